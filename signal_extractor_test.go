package canlog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samsamfire/canlog/pkg/signaldb"
)

func TestExtractLittleEndian16Bit(t *testing.T) {
	data := []byte{0xAB, 0xCD, 0xEF, 0x12}
	sig := signaldb.SignalDefinition{StartBit: 0, Length: 16, ByteOrder: signaldb.LittleEndian, ValueType: signaldb.Unsigned, Factor: 1, Offset: 0}

	raw, ok := extractRawValue(data, &sig)
	assert.True(t, ok)
	assert.Equal(t, uint64(0xCDAB), raw)
	assert.Equal(t, uint64(52651), raw)
}

func TestExtractBigEndian8Bit(t *testing.T) {
	data := []byte{0xAB, 0xCD, 0xEF, 0x12}
	sig := signaldb.SignalDefinition{StartBit: 7, Length: 8, ByteOrder: signaldb.BigEndian, ValueType: signaldb.Unsigned, Factor: 1, Offset: 0}

	raw, ok := extractRawValue(data, &sig)
	assert.True(t, ok)
	assert.Equal(t, uint64(0xAB), raw)
	assert.Equal(t, uint64(171), raw)
}

func TestExtractBigEndian16Bit(t *testing.T) {
	data := []byte{0xAB, 0xCD, 0xEF, 0x12}
	sig := signaldb.SignalDefinition{StartBit: 7, Length: 16, ByteOrder: signaldb.BigEndian, ValueType: signaldb.Unsigned, Factor: 1, Offset: 0}

	raw, ok := extractRawValue(data, &sig)
	assert.True(t, ok)
	assert.Equal(t, uint64(0xABCD), raw)
}

func TestExtractByteAlignedInvariants(t *testing.T) {
	data := []byte{0x11, 0x22, 0x33, 0x44}
	for k := 0; k < len(data); k++ {
		le := signaldb.SignalDefinition{StartBit: uint16(8 * k), Length: 8, ByteOrder: signaldb.LittleEndian}
		raw, ok := extractRawValue(data, &le)
		assert.True(t, ok)
		assert.Equal(t, uint64(data[k]), raw)

		be := signaldb.SignalDefinition{StartBit: uint16(8*k + 7), Length: 8, ByteOrder: signaldb.BigEndian}
		raw, ok = extractRawValue(data, &be)
		assert.True(t, ok)
		assert.Equal(t, uint64(data[k]), raw)
	}
}

func TestSignExtend8Bit(t *testing.T) {
	assert.Equal(t, int64(-1), signExtend(0xFF, 8))
}

func TestSignExtend16Bit(t *testing.T) {
	assert.Equal(t, int64(-32768), signExtend(0x8000, 16))
}

func TestPhysicalConversion(t *testing.T) {
	data := []byte{150, 0}
	sig := signaldb.SignalDefinition{
		Name: "BatterySOC", StartBit: 0, Length: 16,
		ByteOrder: signaldb.LittleEndian, ValueType: signaldb.Unsigned,
		Factor: 0.5, Offset: 0,
	}
	ds, ok := decodeSignalValue(data, &sig)
	assert.True(t, ok)
	assert.Equal(t, "BatterySOC", ds.Name)
	assert.Equal(t, 75.0, ds.Value.AsFloat64())
}

func TestOutOfBoundsSignalSkipped(t *testing.T) {
	data := []byte{0x01}
	sig := signaldb.SignalDefinition{StartBit: 0, Length: 16, ByteOrder: signaldb.LittleEndian}
	_, ok := decodeSignalValue(data, &sig)
	assert.False(t, ok)
}

func TestBooleanValueType(t *testing.T) {
	data := []byte{0x01}
	sig := signaldb.SignalDefinition{StartBit: 0, Length: 1, ByteOrder: signaldb.LittleEndian, Factor: 1, Offset: 0}
	ds, ok := decodeSignalValue(data, &sig)
	assert.True(t, ok)
	assert.Equal(t, ValueBoolean, ds.Value.Kind)
	assert.True(t, ds.Value.AsBool())
}

func TestSignExtensionLaw(t *testing.T) {
	for length := uint16(1); length <= 63; length++ {
		max := uint64(1) << length
		half := max >> 1
		for _, raw := range []uint64{0, 1, half - 1, half, max - 1} {
			if raw >= max {
				continue
			}
			want := int64(raw)
			if raw >= half {
				want = int64(raw - max) // wraps to raw - 2^length
			}
			assert.Equal(t, want, signExtend(raw, length), "length=%d raw=%d", length, raw)
		}
	}
}

// packBits is the extractor's inverse, used to check the round-trip law.
func packBits(data []byte, sig *signaldb.SignalDefinition, value uint64) {
	if sig.ByteOrder == signaldb.LittleEndian {
		for i := uint16(0); i < sig.Length; i++ {
			if (value>>i)&1 == 1 {
				pos := sig.StartBit + i
				data[pos/8] |= 1 << (pos % 8)
			}
		}
		return
	}
	walkStart := uint32(sig.StartBit/8)*8 + 7 - uint32(sig.StartBit%8)
	for i := uint32(0); i < uint32(sig.Length); i++ {
		if (value>>(uint32(sig.Length)-1-i))&1 == 1 {
			pos := walkStart + i
			data[pos/8] |= 1 << (7 - pos%8)
		}
	}
}

func TestExtractRoundTrip(t *testing.T) {
	cases := []struct {
		startBit uint16
		length   uint16
		order    signaldb.ByteOrder
		value    uint64
	}{
		{0, 16, signaldb.LittleEndian, 0xCDAB},
		{3, 11, signaldb.LittleEndian, 0x5A5},
		{7, 8, signaldb.BigEndian, 0xAB},
		{5, 10, signaldb.BigEndian, 0x2F3},
		{16, 32, signaldb.LittleEndian, 0xDEADBEEF},
	}
	for _, tc := range cases {
		data := make([]byte, 8)
		sig := signaldb.SignalDefinition{StartBit: tc.startBit, Length: tc.length, ByteOrder: tc.order}
		packBits(data, &sig, tc.value)
		raw, ok := extractRawValue(data, &sig)
		assert.True(t, ok)
		assert.Equal(t, tc.value, raw, "start=%d len=%d order=%v", tc.startBit, tc.length, tc.order)
	}
}
