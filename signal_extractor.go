package canlog

import (
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/canlog/pkg/signaldb"
)

// extractRawValue pulls a signal's raw bit-field out of a payload according
// to its start bit, length and byte order, returning ok=false if the
// payload is too short to contain the field.
func extractRawValue(data []byte, sig *signaldb.SignalDefinition) (uint64, bool) {
	var result uint64
	if sig.ByteOrder == signaldb.LittleEndian {
		requiredBytes := (uint32(sig.StartBit) + uint32(sig.Length) + 7) / 8
		if int(requiredBytes) > len(data) {
			return 0, false
		}
		for i := uint16(0); i < sig.Length; i++ {
			bitPos := sig.StartBit + i
			byteIdx := bitPos / 8
			bitInByte := bitPos % 8
			bit := (data[byteIdx] >> bitInByte) & 1
			result |= uint64(bit) << i
		}
		return result, true
	}

	// Motorola start bits address the field's MSB using LSB-first numbering
	// inside each byte (start_bit 7 is the MSB of byte 0). Convert to a walk
	// index that increases from the MSB toward the LSB and then into the
	// next byte.
	walkStart := uint32(sig.StartBit/8)*8 + 7 - uint32(sig.StartBit%8)
	requiredBytes := (walkStart+uint32(sig.Length)-1)/8 + 1
	if int(requiredBytes) > len(data) {
		return 0, false
	}
	for i := uint32(0); i < uint32(sig.Length); i++ {
		bitPos := walkStart + i
		byteIdx := bitPos / 8
		bitInByte := 7 - (bitPos % 8)
		bit := (data[byteIdx] >> bitInByte) & 1
		result |= uint64(bit) << (uint32(sig.Length) - 1 - i)
	}
	return result, true
}

// signExtend interprets a raw unsigned field of bitLength bits as a two's
// complement signed value when its sign bit is set.
func signExtend(value uint64, bitLength uint16) int64 {
	if bitLength >= 64 {
		return int64(value)
	}
	signBit := uint64(1) << (bitLength - 1)
	if value&signBit != 0 {
		return int64(value | (math.MaxUint64 << bitLength))
	}
	return int64(value)
}

// decodeSignalValue extracts, sign-extends and physically scales one signal
// from a payload, returning the populated DecodedSignal, whose RawValue holds
// the signal's raw (pre-scaling) integer value. ok is false when the payload
// was too short for the field.
func decodeSignalValue(data []byte, sig *signaldb.SignalDefinition) (DecodedSignal, bool) {
	raw, ok := extractRawValue(data, sig)
	if !ok {
		log.Debugf("%s signal %s out of bounds: start_bit=%d length=%d payload_len=%d",
			logTag, sig.Name, sig.StartBit, sig.Length, len(data))
		return DecodedSignal{}, false
	}

	rawSigned := int64(raw)
	if sig.ValueType == signaldb.Signed {
		rawSigned = signExtend(raw, sig.Length)
	}

	physical := sig.Offset + sig.Factor*float64(rawSigned)

	var value SignalValue
	switch {
	case sig.Length == 1 && sig.Factor == 1.0 && sig.Offset == 0.0:
		value = BooleanValue(rawSigned != 0)
	case sig.Factor != 1.0 || sig.Offset != 0.0:
		value = FloatValue(physical)
	default:
		value = IntegerValue(rawSigned)
	}

	ds := DecodedSignal{
		Name:     sig.Name,
		Value:    value,
		Unit:     sig.Unit,
		RawValue: rawSigned,
	}
	if sig.ValueTable != nil {
		if label, ok := sig.ValueTable[rawSigned]; ok {
			l := label
			ds.ValueDescription = &l
		}
	}
	return ds, true
}
