// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package twamp

import (
	"time"

	"github.com/google/uuid"

	vmerrors "vmark-noded/internal/errors"
)

// State is a TWAMP sender session's position in its state machine.
type State string

const (
	StateInit     State = "INIT"
	StateSending  State = "SENDING"
	StateDrain    State = "DRAIN"
	StateDone     State = "DONE"
)

// ResponderConfig configures a bound TWAMP responder endpoint.
type ResponderConfig struct {
	Port          int  `json:"port"`            // 1..65535, or 0 for an OS-assigned port
	TOS           int  `json:"tos"`              // 0..255: IP_TOS or IPV6_TCLASS
	TTL           int  `json:"ttl"`              // 1..255: IP_TTL or IPV6_UNICAST_HOPS
	DoNotFragment bool `json:"do_not_fragment"` // IPv4 only
}

// Validate checks ResponderConfig against spec §6's recognized option
// ranges. Port 0 is accepted as a request for an OS-assigned ephemeral
// port, the normal Go idiom for binding without a fixed port.
func (c ResponderConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument, "port %d out of range 0..65535", c.Port)
	}
	if c.TOS < 0 || c.TOS > 255 {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument, "tos %d out of range 0..255", c.TOS)
	}
	if c.TTL != 0 && (c.TTL < 1 || c.TTL > 255) {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument, "ttl %d out of range 1..255", c.TTL)
	}
	return nil
}

// SenderConfig configures a TWAMP sender run.
type SenderConfig struct {
	Destination   string        `json:"destination"` // v4 or v6 literal
	Port          int           `json:"port"`
	Count         int           `json:"count"`    // 1..9999, default 100
	Interval      time.Duration `json:"interval"` // 10ms..1000ms, default 100ms
	Padding       int           `json:"padding"`  // 0..9000
	TTL           int           `json:"ttl"`      // 1..255, default 64
	TOS           int           `json:"tos"`      // 0..255, default 0
	DoNotFragment bool          `json:"do_not_fragment"`
	Grace         time.Duration `json:"grace"` // defaults to 2*Interval, min 100ms
}

// Validate checks SenderConfig against spec §6's recognized option ranges
// and fills in defaults.
func (c *SenderConfig) Validate() error {
	if c.Destination == "" {
		return vmerrors.New(vmerrors.KindInvalidArgument, "destination-ip is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument, "port %d out of range 1..65535", c.Port)
	}
	if c.Count == 0 {
		c.Count = 100
	}
	if c.Count < 1 || c.Count > 9999 {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument, "count %d out of range 1..9999", c.Count)
	}
	if c.Interval == 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.Interval < 10*time.Millisecond || c.Interval > 1000*time.Millisecond {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument, "interval %s out of range 10ms..1000ms", c.Interval)
	}
	if c.Padding < 0 || c.Padding > 9000 {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument, "padding %d out of range 0..9000", c.Padding)
	}
	if c.TTL == 0 {
		c.TTL = 64
	}
	if c.TTL < 1 || c.TTL > 255 {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument, "ttl %d out of range 1..255", c.TTL)
	}
	if c.TOS < 0 || c.TOS > 255 {
		return vmerrors.Errorf(vmerrors.KindInvalidArgument, "tos %d out of range 0..255", c.TOS)
	}
	if c.Grace == 0 {
		c.Grace = 2 * c.Interval
	}
	if c.Grace < 100*time.Millisecond {
		c.Grace = 100 * time.Millisecond
	}
	return nil
}

// SentPacket records the pacer's transmit of one test packet.
type SentPacket struct {
	Seq uint32
	T1  time.Time
}

// ReceivedReflect records the receiver's matched reflection of one sent
// packet: t2/t3 from the responder's payload, t4 at local receive.
type ReceivedReflect struct {
	Seq uint32
	T2  time.Time
	T3  time.Time
	T4  time.Time
}

// Stats summarizes a completed or cancelled sender run, per spec §4.8.
type Stats struct {
	TxCount int     `json:"tx_count"`
	RxCount int     `json:"rx_count"`
	Matched int     `json:"matched"`
	Lost    int     `json:"lost"`
	Loss    float64 `json:"loss"`

	OutboundMin  time.Duration `json:"outbound_min"`
	OutboundMax  time.Duration `json:"outbound_max"`
	OutboundAvg  time.Duration `json:"outbound_avg"`
	InboundMin   time.Duration `json:"inbound_min"`
	InboundMax   time.Duration `json:"inbound_max"`
	InboundAvg   time.Duration `json:"inbound_avg"`
	RoundtripMin time.Duration `json:"roundtrip_min"`
	RoundtripMax time.Duration `json:"roundtrip_max"`
	RoundtripAvg time.Duration `json:"roundtrip_avg"`

	OutboundJitter time.Duration `json:"outbound_jitter"`
	InboundJitter  time.Duration `json:"inbound_jitter"`
}

// Session is the shared record a TWAMP sender run is built around: a
// unique id, its configuration, the state machine position, and the
// sent/received ledgers the receiver matches by sequence number.
type Session struct {
	ID     uuid.UUID
	Config SenderConfig
	State  State

	Sent     []SentPacket
	Received []ReceivedReflect
}

// NewSession creates a fresh INIT-state session for cfg.
func NewSession(cfg SenderConfig) *Session {
	return &Session{ID: uuid.New(), Config: cfg, State: StateInit}
}
