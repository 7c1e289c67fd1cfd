// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package twamp

import (
	"context"
	"net"
	"strings"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"vmark-noded/internal/logging"

	vmerrors "vmark-noded/internal/errors"
)

// Responder is a bound TWAMP Light endpoint that reflects every test
// packet it receives with dual timestamps, per spec §4.7. It is stateless
// across sessions: it tracks no sender identity and simply echoes to
// whatever source address a packet arrived from.
type Responder struct {
	conn   net.PacketConn
	isIPv6 bool
	logger *logging.Logger

	// OnReflect, when set, is invoked synchronously from Serve's receive
	// loop after each packet is successfully reflected.
	OnReflect func()
}

// NewResponder binds a UDP socket for cfg and applies its TOS/TTL/DF
// options. network must be "udp4" or "udp6".
func NewResponder(network string, cfg ResponderConfig) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort("", portString(cfg.Port))
	conn, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, vmerrors.Wrapf(err, vmerrors.KindNetworkError, "bind TWAMP responder on %s port %d", network, cfg.Port)
	}

	r := &Responder{conn: conn, isIPv6: strings.HasSuffix(network, "6"), logger: logging.WithComponent("twamp-responder")}
	if err := r.applyOptions(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *Responder) applyOptions(cfg ResponderConfig) error {
	if r.isIPv6 {
		pconn := ipv6.NewPacketConn(r.conn)
		if cfg.TTL > 0 {
			if err := pconn.SetHopLimit(cfg.TTL); err != nil {
				return vmerrors.Wrap(err, vmerrors.KindNetworkError, "set IPV6_UNICAST_HOPS")
			}
		}
		if err := pconn.SetTrafficClass(cfg.TOS); err != nil {
			return vmerrors.Wrap(err, vmerrors.KindNetworkError, "set IPV6_TCLASS")
		}
		return nil
	}

	pconn := ipv4.NewPacketConn(r.conn)
	if cfg.TTL > 0 {
		if err := pconn.SetTTL(cfg.TTL); err != nil {
			return vmerrors.Wrap(err, vmerrors.KindNetworkError, "set IP_TTL")
		}
	}
	if err := pconn.SetTOS(cfg.TOS); err != nil {
		return vmerrors.Wrap(err, vmerrors.KindNetworkError, "set IP_TOS")
	}
	if cfg.DoNotFragment {
		if err := setDontFragment(r.conn); err != nil {
			return vmerrors.Wrap(err, vmerrors.KindNetworkError, "set IP_DONTFRAG")
		}
	}
	return nil
}

// Close releases the responder's socket.
func (r *Responder) Close() error {
	return r.conn.Close()
}

// LocalAddr returns the responder's bound local address.
func (r *Responder) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Serve runs the receive loop until ctx is cancelled or the socket fails.
// Each received test packet is reflected with t2 (recorded immediately
// after recv) and t3 (recorded immediately before the reflected send).
func (r *Responder) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, MaxPacketBytes)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return vmerrors.Wrap(err, vmerrors.KindNetworkError, "read TWAMP test packet")
		}
		t2 := TimeToNTP64(nowFunc())

		sent, err := DecodeSenderPacket(buf[:n])
		if err != nil {
			r.logger.Warn("dropping malformed TWAMP test packet", "from", addr, "error", err)
			continue
		}

		reflected := ReflectedPacket{
			Seq:                    sent.Seq,
			ResponderRecvTimestamp: t2,
			SenderSeq:              sent.Seq,
			SenderTimestamp:        sent.Timestamp,
			SenderErrEstimate:      sent.ErrEstimate,
			SenderTTL:              64,
		}
		reflected.ResponderSendTimestamp = TimeToNTP64(nowFunc())

		out, err := EncodeReflectedPacket(reflected)
		if err != nil {
			r.logger.Warn("failed to encode reflection", "error", err)
			continue
		}
		if _, err := r.conn.WriteTo(out, addr); err != nil {
			r.logger.Warn("failed to send reflection", "to", addr, "error", err)
			continue
		}
		if r.OnReflect != nil {
			r.OnReflect()
		}
	}
}
