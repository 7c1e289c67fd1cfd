// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mapcodec encodes and decodes the fixed-layout key/value records
// exchanged with the kernel forwarding table (an eBPF hash map, one per
// ingress interface). The layouts are an ABI: field order and padding must
// be preserved bit-for-bit to stay compatible with the XDP data-plane
// program that reads the same maps.
package mapcodec

import (
	"encoding/binary"

	vmerrors "vmark-noded/internal/errors"
)

// KeySize is the wire size of MapKey in bytes.
const KeySize = 16

// ValueSize is the wire size of MapValue in bytes.
const ValueSize = 50

// MaxSteps is the number of action slots carried in a MapValue.
const MaxSteps = 5

// StepSize is the wire size of a single Step in bytes.
const StepSize = 8

// MinVLAN and MaxVLAN bound valid 802.1Q tag IDs.
const (
	MinVLAN = 1
	MaxVLAN = 4094
)

// StepType identifies the kind of forwarding action a Step performs.
type StepType uint8

const (
	StepForward StepType = 1
	StepPush    StepType = 2
	StepPop     StepType = 3
)

// TagType identifies which VLAN tag a push/pop Step operates on.
type TagType uint8

const (
	TagNone  TagType = 0
	TagCVLAN TagType = 1
	TagSVLAN TagType = 2
)

// MapKey is the 16-byte kernel map key: ingress interface plus the C-VLAN/
// S-VLAN tags an arriving frame must match. Absent tags are encoded as 0.
type MapKey struct {
	IngressIfindex uint32
	VLANID         uint16 // C-VLAN match, 0 if absent
	SVLANID        uint16 // S-VLAN match, 0 if absent
	BMAC           [6]byte
	_              [2]byte // pad, reserved for future PBB/B-MAC semantics
}

// Step is one action in a MapValue's ordered action list.
type Step struct {
	Type          StepType
	TagType       TagType
	VLANID        uint16
	TargetIfindex uint32
}

// MapValue is the 50-byte kernel map value: an ordered list of up to
// MaxSteps actions applied to a matching frame.
type MapValue struct {
	NumActions uint8
	Steps      [MaxSteps]Step
}

// EncodeKey serializes key into its 16-byte wire form.
func EncodeKey(key MapKey) [KeySize]byte {
	var buf [KeySize]byte
	binary.LittleEndian.PutUint32(buf[0:4], key.IngressIfindex)
	binary.LittleEndian.PutUint16(buf[4:6], key.VLANID)
	binary.LittleEndian.PutUint16(buf[6:8], key.SVLANID)
	copy(buf[8:14], key.BMAC[:])
	// buf[14:16] stays zero: reserved pad.
	return buf
}

// DecodeKey parses a 16-byte wire key back into a MapKey.
func DecodeKey(buf [KeySize]byte) MapKey {
	var key MapKey
	key.IngressIfindex = binary.LittleEndian.Uint32(buf[0:4])
	key.VLANID = binary.LittleEndian.Uint16(buf[4:6])
	key.SVLANID = binary.LittleEndian.Uint16(buf[6:8])
	copy(key.BMAC[:], buf[8:14])
	return key
}

// EncodeValue serializes value into its 50-byte wire form. It rejects
// values with more than MaxSteps actions or VLAN IDs outside 1..4094.
func EncodeValue(value MapValue) ([ValueSize]byte, error) {
	var buf [ValueSize]byte

	if value.NumActions > MaxSteps {
		return buf, vmerrors.Errorf(vmerrors.KindInvalidArgument,
			"projected step count %d exceeds maximum %d", value.NumActions, MaxSteps)
	}

	for i := 0; i < int(value.NumActions); i++ {
		s := value.Steps[i]
		if s.TagType != TagNone && (s.VLANID < MinVLAN || s.VLANID > MaxVLAN) {
			return buf, vmerrors.Errorf(vmerrors.KindInvalidArgument,
				"step %d: vlan id %d out of range %d..%d", i, s.VLANID, MinVLAN, MaxVLAN)
		}
	}

	buf[0] = value.NumActions
	for i := 0; i < MaxSteps; i++ {
		off := 1 + i*StepSize
		s := value.Steps[i]
		buf[off] = byte(s.Type)
		buf[off+1] = byte(s.TagType)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], s.VLANID)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], s.TargetIfindex)
	}
	// buf[1+MaxSteps*StepSize:] stays zero: reserved pad.
	return buf, nil
}

// DecodeValue parses a 50-byte wire value back into a MapValue.
func DecodeValue(buf [ValueSize]byte) MapValue {
	var value MapValue
	value.NumActions = buf[0]
	for i := 0; i < MaxSteps; i++ {
		off := 1 + i*StepSize
		value.Steps[i] = Step{
			Type:          StepType(buf[off]),
			TagType:       TagType(buf[off+1]),
			VLANID:        binary.LittleEndian.Uint16(buf[off+2 : off+4]),
			TargetIfindex: binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		}
	}
	return value
}
