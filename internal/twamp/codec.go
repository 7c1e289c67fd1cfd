// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package twamp implements a TWAMP Light (RFC 5357) unauthenticated-mode
// sender and responder: wire encode/decode of test packets, a UDP
// responder that reflects with dual timestamps, and a paced sender that
// matches reflections by sequence number and computes delay, jitter, and
// loss statistics.
package twamp

import (
	"encoding/binary"
	"time"

	vmerrors "vmark-noded/internal/errors"
)

// MaxPacketBytes bounds the total wire size of a TWAMP test packet,
// including padding, per spec.
const MaxPacketBytes = 9000

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// senderPacketFixedSize is the wire size of a SenderPacket excluding
// padding: seq(4) + timestamp(8) + err_estimate(2).
const senderPacketFixedSize = 4 + 8 + 2

// reflectedPacketFixedSize is the wire size of a ReflectedPacket excluding
// padding: seq(4) + ts_send(8) + err_resp(2) + mbz(2) + ts_recv(8) +
// sender_seq(4) + sender_ts(8) + sender_err(2) + mbz(2) + sender_ttl(1).
const reflectedPacketFixedSize = 4 + 8 + 2 + 2 + 8 + 4 + 8 + 2 + 2 + 1

// TimeToNTP64 converts t to an NTP 64-bit timestamp: 32-bit whole seconds
// since 1900-01-01 in the high word, 32-bit binary fraction of a second in
// the low word.
func TimeToNTP64(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// NTP64ToTime converts an NTP 64-bit timestamp back to a time.Time.
func NTP64ToTime(ts uint64) time.Time {
	secs := int64(ts >> 32)
	frac := ts & 0xffffffff
	nanos := int64(frac * 1e9 >> 32)
	return time.Unix(secs-ntpEpochOffset, nanos).UTC()
}

// SenderPacket is the sender's outbound test packet payload.
type SenderPacket struct {
	Seq         uint32
	Timestamp   uint64
	ErrEstimate uint16
	Padding     []byte
}

// EncodeSenderPacket serializes p into its wire form. Padding is copied
// verbatim; the total size must not exceed MaxPacketBytes.
func EncodeSenderPacket(p SenderPacket) ([]byte, error) {
	total := senderPacketFixedSize + len(p.Padding)
	if total > MaxPacketBytes {
		return nil, vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"sender packet size %d exceeds maximum %d", total, MaxPacketBytes)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	binary.BigEndian.PutUint64(buf[4:12], p.Timestamp)
	binary.BigEndian.PutUint16(buf[12:14], p.ErrEstimate)
	copy(buf[14:], p.Padding)
	return buf, nil
}

// DecodeSenderPacket parses buf into a SenderPacket.
func DecodeSenderPacket(buf []byte) (SenderPacket, error) {
	if len(buf) < senderPacketFixedSize {
		return SenderPacket{}, vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"sender packet too short: %d bytes, need at least %d", len(buf), senderPacketFixedSize)
	}
	if len(buf) > MaxPacketBytes {
		return SenderPacket{}, vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"sender packet size %d exceeds maximum %d", len(buf), MaxPacketBytes)
	}

	return SenderPacket{
		Seq:         binary.BigEndian.Uint32(buf[0:4]),
		Timestamp:   binary.BigEndian.Uint64(buf[4:12]),
		ErrEstimate: binary.BigEndian.Uint16(buf[12:14]),
		Padding:     append([]byte(nil), buf[14:]...),
	}, nil
}

// ReflectedPacket is the responder's reflected test packet payload: the
// responder's own send/receive timestamps plus an echo of the sender's
// fields, per RFC 5357 unauthenticated mode.
type ReflectedPacket struct {
	Seq                    uint32
	ResponderSendTimestamp uint64
	ResponderErrEstimate   uint16
	ResponderRecvTimestamp uint64
	SenderSeq              uint32
	SenderTimestamp        uint64
	SenderErrEstimate      uint16
	SenderTTL              uint8
	Padding                []byte
}

// EncodeReflectedPacket serializes p, zero-filling the two reserved MBZ
// fields.
func EncodeReflectedPacket(p ReflectedPacket) ([]byte, error) {
	total := reflectedPacketFixedSize + len(p.Padding)
	if total > MaxPacketBytes {
		return nil, vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"reflected packet size %d exceeds maximum %d", total, MaxPacketBytes)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	binary.BigEndian.PutUint64(buf[4:12], p.ResponderSendTimestamp)
	binary.BigEndian.PutUint16(buf[12:14], p.ResponderErrEstimate)
	// buf[14:16] MBZ, stays zero.
	binary.BigEndian.PutUint64(buf[16:24], p.ResponderRecvTimestamp)
	binary.BigEndian.PutUint32(buf[24:28], p.SenderSeq)
	binary.BigEndian.PutUint64(buf[28:36], p.SenderTimestamp)
	binary.BigEndian.PutUint16(buf[36:38], p.SenderErrEstimate)
	// buf[38:40] MBZ, stays zero.
	buf[40] = p.SenderTTL
	copy(buf[41:], p.Padding)
	return buf, nil
}

// DecodeReflectedPacket parses buf into a ReflectedPacket.
func DecodeReflectedPacket(buf []byte) (ReflectedPacket, error) {
	if len(buf) < reflectedPacketFixedSize {
		return ReflectedPacket{}, vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"reflected packet too short: %d bytes, need at least %d", len(buf), reflectedPacketFixedSize)
	}
	if len(buf) > MaxPacketBytes {
		return ReflectedPacket{}, vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"reflected packet size %d exceeds maximum %d", len(buf), MaxPacketBytes)
	}

	return ReflectedPacket{
		Seq:                    binary.BigEndian.Uint32(buf[0:4]),
		ResponderSendTimestamp: binary.BigEndian.Uint64(buf[4:12]),
		ResponderErrEstimate:   binary.BigEndian.Uint16(buf[12:14]),
		ResponderRecvTimestamp: binary.BigEndian.Uint64(buf[16:24]),
		SenderSeq:              binary.BigEndian.Uint32(buf[24:28]),
		SenderTimestamp:        binary.BigEndian.Uint64(buf[28:36]),
		SenderErrEstimate:      binary.BigEndian.Uint16(buf[36:38]),
		SenderTTL:              buf[40],
		Padding:                append([]byte(nil), buf[41:]...),
	}, nil
}
