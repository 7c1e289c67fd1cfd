// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mapcodec

import (
	"testing"

	"github.com/stretchr/testify/require"

	vmerrors "vmark-noded/internal/errors"
)

func TestEncodeDecodeKey_RoundTrips(t *testing.T) {
	key := MapKey{
		IngressIfindex: 7,
		VLANID:         100,
		SVLANID:        200,
		BMAC:           [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01},
	}

	buf := EncodeKey(key)
	require.Equal(t, KeySize, len(buf))

	got := DecodeKey(buf)
	require.Equal(t, key, got)
}

func TestEncodeKey_ByteLayoutIsLittleEndian(t *testing.T) {
	key := MapKey{IngressIfindex: 0x01020304, VLANID: 0x0506, SVLANID: 0x0708}
	buf := EncodeKey(key)

	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf[0:4])
	require.Equal(t, []byte{0x06, 0x05}, buf[4:6])
	require.Equal(t, []byte{0x08, 0x07}, buf[6:8])
}

func TestEncodeKey_PadBytesStayZero(t *testing.T) {
	key := MapKey{IngressIfindex: 1, BMAC: [6]byte{1, 2, 3, 4, 5, 6}}
	buf := EncodeKey(key)
	require.Equal(t, byte(0), buf[14])
	require.Equal(t, byte(0), buf[15])
}

func TestDecodeKey_IgnoresPadBytes(t *testing.T) {
	var buf [KeySize]byte
	buf[14] = 0xff
	buf[15] = 0xff
	key := DecodeKey(buf)
	require.Equal(t, uint32(0), key.IngressIfindex)
	require.Equal(t, uint16(0), key.VLANID)
}

func TestEncodeDecodeValue_RoundTrips(t *testing.T) {
	value := MapValue{
		NumActions: 3,
		Steps: [MaxSteps]Step{
			{Type: StepPop, TagType: TagNone},
			{Type: StepPush, TagType: TagSVLAN, VLANID: 300},
			{Type: StepForward, TagType: TagNone, TargetIfindex: 9},
		},
	}

	buf, err := EncodeValue(value)
	require.NoError(t, err)
	require.Equal(t, ValueSize, len(buf))

	got := DecodeValue(buf)
	require.Equal(t, value.NumActions, got.NumActions)
	require.Equal(t, value.Steps, got.Steps)
}

func TestEncodeValue_RejectsTooManySteps(t *testing.T) {
	value := MapValue{NumActions: MaxSteps + 1}
	_, err := EncodeValue(value)
	require.Error(t, err)
	require.Equal(t, vmerrors.KindInvalidArgument, vmerrors.GetKind(err))
}

func TestEncodeValue_RejectsOutOfRangeVLAN(t *testing.T) {
	value := MapValue{
		NumActions: 1,
		Steps: [MaxSteps]Step{
			{Type: StepPush, TagType: TagCVLAN, VLANID: MaxVLAN + 1},
		},
	}
	_, err := EncodeValue(value)
	require.Error(t, err)
	require.Equal(t, vmerrors.KindInvalidArgument, vmerrors.GetKind(err))
}

func TestEncodeValue_IgnoresVLANOnUnusedSteps(t *testing.T) {
	// Steps beyond NumActions are still serialized (the buffer is fixed
	// size) but their VLAN range is not checked, even for a tagged step.
	value := MapValue{NumActions: 1}
	value.Steps[4] = Step{Type: StepPush, TagType: TagCVLAN, VLANID: 0}
	_, err := EncodeValue(value)
	require.NoError(t, err)
}

func TestEncodeValue_TailPadStaysZero(t *testing.T) {
	value := MapValue{NumActions: 0}
	buf, err := EncodeValue(value)
	require.NoError(t, err)
	for i := 1 + MaxSteps*StepSize; i < ValueSize; i++ {
		require.Equal(t, byte(0), buf[i], "byte %d should be zero pad", i)
	}
}

func TestEncodeValue_StepLayoutIsLittleEndian(t *testing.T) {
	value := MapValue{
		NumActions: 1,
		Steps: [MaxSteps]Step{
			{Type: StepForward, TagType: TagNone, VLANID: 0x0a0b, TargetIfindex: 0x01020304},
		},
	}
	buf, err := EncodeValue(value)
	require.NoError(t, err)

	require.Equal(t, byte(1), buf[0])
	require.Equal(t, byte(StepForward), buf[1])
	require.Equal(t, byte(TagNone), buf[2])
	require.Equal(t, []byte{0x0b, 0x0a}, buf[3:5])
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf[5:9])
}
