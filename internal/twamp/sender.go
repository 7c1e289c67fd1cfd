// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package twamp

import (
	"context"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"vmark-noded/internal/logging"

	vmerrors "vmark-noded/internal/errors"
)

// Sender runs a TWAMP Light test-session: a pacer transmitting at a fixed
// interval and a receiver matching reflections by sequence number, per
// spec §4.8.
type Sender struct {
	session *Session
	conn    net.PacketConn
	dest    net.Addr
	isIPv6  bool
	logger  *logging.Logger

	// OnSent and OnMatch, when set, are invoked synchronously from the
	// pacer/receiver goroutines as each packet is sent or matched — a
	// live-stream hook for a caller that wants per-packet samples rather
	// than only the final Stats.
	OnSent  func(SentPacket)
	OnMatch func(ReceivedReflect)

	mu sync.Mutex
}

// NewSender resolves cfg.Destination/cfg.Port, binds a local UDP socket,
// and applies cfg's TTL/TOS/DF options. network must be "udp4" or "udp6"
// and must match the destination's address family.
func NewSender(network string, cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket(network, ":0")
	if err != nil {
		return nil, vmerrors.Wrapf(err, vmerrors.KindNetworkError, "bind TWAMP sender socket on %s", network)
	}

	dest, err := net.ResolveUDPAddr(network, net.JoinHostPort(cfg.Destination, portString(cfg.Port)))
	if err != nil {
		conn.Close()
		return nil, vmerrors.Wrapf(err, vmerrors.KindInvalidArgument, "resolve destination %q", cfg.Destination)
	}

	s := &Sender{
		session: NewSession(cfg),
		conn:    conn,
		dest:    dest,
		isIPv6:  strings.HasSuffix(network, "6"),
		logger:  logging.WithComponent("twamp-sender"),
	}
	if err := s.applyOptions(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sender) applyOptions(cfg SenderConfig) error {
	if s.isIPv6 {
		pconn := ipv6.NewPacketConn(s.conn)
		if err := pconn.SetHopLimit(cfg.TTL); err != nil {
			return vmerrors.Wrap(err, vmerrors.KindNetworkError, "set IPV6_UNICAST_HOPS")
		}
		if err := pconn.SetTrafficClass(cfg.TOS); err != nil {
			return vmerrors.Wrap(err, vmerrors.KindNetworkError, "set IPV6_TCLASS")
		}
		return nil
	}

	pconn := ipv4.NewPacketConn(s.conn)
	if err := pconn.SetTTL(cfg.TTL); err != nil {
		return vmerrors.Wrap(err, vmerrors.KindNetworkError, "set IP_TTL")
	}
	if err := pconn.SetTOS(cfg.TOS); err != nil {
		return vmerrors.Wrap(err, vmerrors.KindNetworkError, "set IP_TOS")
	}
	if cfg.DoNotFragment {
		if err := setDontFragment(s.conn); err != nil {
			return vmerrors.Wrap(err, vmerrors.KindNetworkError, "set IP_DONTFRAG")
		}
	}
	return nil
}

// Close releases the sender's socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Session returns a copy of the run's session record, including its id and
// current state; safe to read concurrently with Run.
func (s *Sender) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.session
	cp.Sent = append([]SentPacket(nil), s.session.Sent...)
	cp.Received = append([]ReceivedReflect(nil), s.session.Received...)
	return &cp
}

func (s *Sender) setState(state State) {
	s.mu.Lock()
	s.session.State = state
	s.mu.Unlock()
}

// Run executes the paced send/receive cycle to completion, cancellation,
// or the drain deadline, and returns the computed Stats. Cancelling ctx
// stops the pacer immediately and waits up to cfg.Grace for outstanding
// reflections before returning partial statistics over matched packets
// only.
func (s *Sender) Run(ctx context.Context) (Stats, error) {
	cfg := s.session.Config
	s.setState(StateSending)

	reflections := make(chan ReceivedReflect, cfg.Count)
	receiverDone := make(chan struct{})

	recvCtx, cancelRecv := context.WithCancel(context.Background())
	defer cancelRecv()

	go s.receive(recvCtx, cfg, reflections, receiverDone)

	s.pace(ctx, cfg)
	s.setState(StateDrain)

	deadline := time.NewTimer(cfg.Grace)
	defer deadline.Stop()

	select {
	case <-receiverDone:
	case <-deadline.C:
		cancelRecv()
		<-receiverDone
	case <-ctx.Done():
		// Give in-flight reflections up to Grace before giving up.
		select {
		case <-receiverDone:
		case <-time.After(cfg.Grace):
			cancelRecv()
			<-receiverDone
		}
	}
	close(reflections)

	s.mu.Lock()
	for r := range reflections {
		s.session.Received = append(s.session.Received, r)
	}
	s.mu.Unlock()

	s.setState(StateDone)
	return s.computeStats(cfg), nil
}

// pace emits cfg.Count packets at fixed cfg.Interval using monotonic
// scheduling: target send time t_k = t_0 + k*interval.
func (s *Sender) pace(ctx context.Context, cfg SenderConfig) {
	t0 := nowFunc()
	padding := make([]byte, cfg.Padding)

	for k := 0; k < cfg.Count; k++ {
		target := t0.Add(time.Duration(k) * cfg.Interval)
		if d := target.Sub(nowFunc()); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		t1 := nowFunc()
		pkt := SenderPacket{Seq: uint32(k), Timestamp: TimeToNTP64(t1), Padding: padding}
		buf, err := EncodeSenderPacket(pkt)
		if err != nil {
			s.logger.Warn("failed to encode test packet", "seq", k, "error", err)
			continue
		}
		if _, err := s.conn.WriteTo(buf, s.dest); err != nil {
			s.logger.Warn("failed to send test packet", "seq", k, "error", err)
			continue
		}

		sentPkt := SentPacket{Seq: uint32(k), T1: t1}
		s.mu.Lock()
		s.session.Sent = append(s.session.Sent, sentPkt)
		s.mu.Unlock()
		if s.OnSent != nil {
			s.OnSent(sentPkt)
		}
	}
}

// receive reads reflections until ctx is cancelled, count is reached, or
// the socket fails, recording t4 at receive for each.
func (s *Sender) receive(ctx context.Context, cfg SenderConfig, out chan<- ReceivedReflect, done chan<- struct{}) {
	defer close(done)

	go func() {
		<-ctx.Done()
		s.conn.SetReadDeadline(nowFunc())
	}()

	buf := make([]byte, MaxPacketBytes)
	matched := 0
	for matched < cfg.Count {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		t4 := nowFunc()

		reflected, err := DecodeReflectedPacket(buf[:n])
		if err != nil {
			s.logger.Warn("dropping malformed reflection", "error", err)
			continue
		}

		recv := ReceivedReflect{
			Seq: reflected.SenderSeq,
			T2:  NTP64ToTime(reflected.ResponderRecvTimestamp),
			T3:  NTP64ToTime(reflected.ResponderSendTimestamp),
			T4:  t4,
		}
		select {
		case out <- recv:
			matched++
			if s.OnMatch != nil {
				s.OnMatch(recv)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) computeStats(cfg SenderConfig) Stats {
	s.mu.Lock()
	sent := append([]SentPacket(nil), s.session.Sent...)
	received := append([]ReceivedReflect(nil), s.session.Received...)
	s.mu.Unlock()

	sentBySeq := make(map[uint32]SentPacket, len(sent))
	for _, p := range sent {
		sentBySeq[p.Seq] = p
	}

	var outbound, inbound, roundtrip []time.Duration
	for _, r := range received {
		p, ok := sentBySeq[r.Seq]
		if !ok {
			continue
		}
		ob := r.T2.Sub(p.T1)
		ib := r.T4.Sub(r.T3)
		rt := r.T4.Sub(p.T1) - r.T3.Sub(r.T2)
		if rt < 0 {
			rt = 0
		}
		outbound = append(outbound, ob)
		inbound = append(inbound, ib)
		roundtrip = append(roundtrip, rt)
	}

	stats := Stats{
		TxCount: len(sent),
		RxCount: len(received),
		Matched: len(outbound),
	}
	stats.Lost = cfg.Count - stats.Matched
	if cfg.Count > 0 {
		stats.Loss = float64(stats.Lost) / float64(cfg.Count)
	}

	stats.OutboundMin, stats.OutboundMax, stats.OutboundAvg = summarize(outbound)
	stats.InboundMin, stats.InboundMax, stats.InboundAvg = summarize(inbound)
	stats.RoundtripMin, stats.RoundtripMax, stats.RoundtripAvg = summarize(roundtrip)
	stats.OutboundJitter = meanAbsoluteDeviation(outbound)
	stats.InboundJitter = meanAbsoluteDeviation(inbound)

	return stats
}

func summarize(samples []time.Duration) (min, max, avg time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	min, max = samples[0], samples[0]
	var sum time.Duration
	for _, d := range samples {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
		sum += d
	}
	return min, max, sum / time.Duration(len(samples))
}

// meanAbsoluteDeviation is spec §4.8's per-direction jitter: the mean
// absolute deviation of consecutive deltas over matched samples.
func meanAbsoluteDeviation(samples []time.Duration) time.Duration {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		sum += math.Abs(float64(samples[i] - samples[i-1]))
	}
	return time.Duration(sum / float64(len(samples)-1))
}
