package canlog

import "fmt"

// Timestamp is nanoseconds since the measurement-start epoch recorded in a
// log file's header. It is carried through decoding unchanged.
type Timestamp uint64

// RawFrame is a single CAN frame as read from a log file, before any signal
// decoding or message interpretation.
type RawFrame struct {
	Timestamp Timestamp
	Channel   uint8
	ID        uint32
	Data      []byte
	Extended  bool
	FD        bool
	Error     bool
	Remote    bool
}

// ContainerType identifies the layout strategy of an AUTOSAR Container PDU.
type ContainerType int

const (
	ContainerStatic ContainerType = iota
	ContainerDynamic
	ContainerQueued
)

func (t ContainerType) String() string {
	switch t {
	case ContainerStatic:
		return "Static"
	case ContainerDynamic:
		return "Dynamic"
	case ContainerQueued:
		return "Queued"
	default:
		return "Unknown"
	}
}

// ContainedPdu is a raw PDU sliced out of a Container PDU, before signal
// decoding.
type ContainedPdu struct {
	PduID uint32
	Name  string
	Data  []byte
}

// SignalValueKind tags the concrete representation held by a SignalValue.
type SignalValueKind int

const (
	ValueInteger SignalValueKind = iota
	ValueFloat
	ValueBoolean
)

// SignalValue is a decoded signal's value. Exactly one of Int, Float, Bool is
// meaningful, selected by Kind.
type SignalValue struct {
	Kind  SignalValueKind
	Int   int64
	Float float64
	Bool  bool
}

func IntegerValue(v int64) SignalValue { return SignalValue{Kind: ValueInteger, Int: v} }
func FloatValue(v float64) SignalValue { return SignalValue{Kind: ValueFloat, Float: v} }
func BooleanValue(v bool) SignalValue  { return SignalValue{Kind: ValueBoolean, Bool: v} }

// AsFloat64 converts the value to a float64 regardless of its kind.
func (v SignalValue) AsFloat64() float64 {
	switch v.Kind {
	case ValueInteger:
		return float64(v.Int)
	case ValueFloat:
		return v.Float
	case ValueBoolean:
		if v.Bool {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// AsInt64 converts the value to an int64 regardless of its kind.
func (v SignalValue) AsInt64() int64 {
	switch v.Kind {
	case ValueInteger:
		return v.Int
	case ValueFloat:
		return int64(v.Float)
	case ValueBoolean:
		if v.Bool {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// AsBool converts the value to a bool regardless of its kind.
func (v SignalValue) AsBool() bool {
	switch v.Kind {
	case ValueBoolean:
		return v.Bool
	case ValueInteger:
		return v.Int != 0
	case ValueFloat:
		return v.Float != 0
	default:
		return false
	}
}

func (v SignalValue) String() string {
	switch v.Kind {
	case ValueInteger:
		return fmt.Sprintf("%d", v.Int)
	case ValueFloat:
		return fmt.Sprintf("%.3f", v.Float)
	case ValueBoolean:
		return fmt.Sprintf("%t", v.Bool)
	default:
		return "<invalid>"
	}
}

// DecodedSignal is one signal's decoded value within a message or contained
// PDU.
type DecodedSignal struct {
	Name             string
	Value            SignalValue
	Unit             *string
	ValueDescription *string
	RawValue         int64
}

// EventKind tags the variant held by a DecodedEvent.
type EventKind int

const (
	EventMessage EventKind = iota
	EventContainerPdu
	EventRawFrame
	EventCanTpMessage
)

// DecodedEvent is the tagged union of everything the decoder emits. Only the
// fields relevant to Kind are populated; the others are left zero-valued.
// CanTpMessage events are produced by a downstream ISO-TP reassembly layer,
// not by this package; the variant exists so the event model is closed.
type DecodedEvent struct {
	Kind      EventKind
	Timestamp Timestamp

	// EventMessage
	Channel          uint8
	CanID            uint32
	MessageName      *string
	Sender           *string
	Signals          []DecodedSignal
	IsMultiplexed    bool
	MultiplexerValue *uint64

	// EventContainerPdu
	ContainerID   uint32
	ContainerName string
	ContainerType ContainerType
	ContainedPdus []ContainedPdu

	// EventRawFrame
	Data []byte
	IsFD bool

	// EventCanTpMessage
	SourceAddr uint32
	TargetAddr uint32
	Payload    []byte
}

func newMessageEvent(ts Timestamp, channel uint8, canID uint32, name *string, sender *string,
	signals []DecodedSignal, isMultiplexed bool, muxValue *uint64) DecodedEvent {
	return DecodedEvent{
		Kind:             EventMessage,
		Timestamp:        ts,
		Channel:          channel,
		CanID:            canID,
		MessageName:      name,
		Sender:           sender,
		Signals:          signals,
		IsMultiplexed:    isMultiplexed,
		MultiplexerValue: muxValue,
	}
}

func newContainerPduEvent(ts Timestamp, containerID uint32, name string, kind ContainerType, pdus []ContainedPdu) DecodedEvent {
	return DecodedEvent{
		Kind:          EventContainerPdu,
		Timestamp:     ts,
		ContainerID:   containerID,
		ContainerName: name,
		ContainerType: kind,
		ContainedPdus: pdus,
	}
}

func newRawFrameEvent(ts Timestamp, channel uint8, canID uint32, data []byte, isFD bool) DecodedEvent {
	return DecodedEvent{
		Kind:      EventRawFrame,
		Timestamp: ts,
		Channel:   channel,
		CanID:     canID,
		Data:      data,
		IsFD:      isFD,
	}
}
