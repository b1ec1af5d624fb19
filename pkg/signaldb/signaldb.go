// Package signaldb holds the unified signal database populated by the DBC
// and ARXML loaders and queried by the message and container decoders.
package signaldb

import (
	"log/slog"
	"sort"
)

var _logger = slog.Default().With("service", "[SIGNALDB]")

// ByteOrder is a signal's bit-numbering convention on the wire.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

// ValueType is a signal's raw integer interpretation.
type ValueType int

const (
	Unsigned ValueType = iota
	Signed
)

// ContainerKind selects a Container PDU's layout strategy.
type ContainerKind int

const (
	ContainerStatic ContainerKind = iota
	ContainerDynamic
	ContainerQueued
)

func (k ContainerKind) String() string {
	switch k {
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

// MultiplexerInfo gates a signal so it is only active for certain values of
// another signal in the same message.
type MultiplexerInfo struct {
	MultiplexerSignal string
	MultiplexerValues []uint64
}

// Activates reports whether value is one of this gate's activating values.
func (m *MultiplexerInfo) Activates(value uint64) bool {
	for _, v := range m.MultiplexerValues {
		if v == value {
			return true
		}
	}
	return false
}

// SignalDefinition describes how to extract and scale one signal from a
// message's payload bytes.
type SignalDefinition struct {
	Name            string
	StartBit        uint16
	Length          uint16
	ByteOrder       ByteOrder
	ValueType       ValueType
	Factor          float64
	Offset          float64
	Min             float64
	Max             float64
	Unit            *string
	ValueTable      map[int64]string
	MultiplexerInfo *MultiplexerInfo
}

// MessageDefinition describes one CAN message and its signals.
type MessageDefinition struct {
	ID                uint32
	Name              string
	Size              int
	Sender            *string
	Signals           []SignalDefinition
	IsMultiplexed     bool
	MultiplexerSignal *string
	Source            string
}

// ContainedPduInfo describes one sub-PDU slot within a Container PDU.
type ContainedPduInfo struct {
	PduID    uint32
	Name     string
	Position int
	Size     int
}

// ContainerLayout is the union of the three container layout strategies.
// Only the fields relevant to Kind are populated.
type ContainerLayout struct {
	Kind ContainerKind

	// ContainerStatic / ContainerDynamic
	Pdus       []ContainedPduInfo
	HeaderSize int // ContainerDynamic only: 4 or 8

	// ContainerQueued
	PduID   uint32
	PduSize int
}

// ContainerDefinition describes one Container PDU's CAN id, name and layout.
type ContainerDefinition struct {
	ID     uint32
	Name   string
	Type   ContainerKind
	Layout ContainerLayout
	Source string
}

// SignalLocation identifies a signal definition by the CAN id of the message
// that declares it and a pointer to the definition itself.
type SignalLocation struct {
	CanID  uint32
	Signal *SignalDefinition
}

// Stats summarizes the contents of a Database.
type Stats struct {
	NumMessages   int
	NumSignals    int
	NumContainers int
}

type messageLoc struct {
	canID uint32
	index int
}

// Database is the unified, multi-source signal database: CAN id to message
// definitions, CAN id to container definition, and message name to (CAN id,
// index) for resolving contained-PDU names back to message definitions.
//
// Loader order is part of the externally observable contract: for a given
// CAN id, the first message added wins for single-lookup queries; all
// messages added for that id are retained for enumeration.
type Database struct {
	messages      map[uint32][]MessageDefinition
	containers    map[uint32]ContainerDefinition
	signalLookup  map[string][]messageLoc
	messageLookup map[string]messageLoc
}

// New creates an empty signal database.
func New() *Database {
	return &Database{
		messages:      make(map[uint32][]MessageDefinition),
		containers:    make(map[uint32]ContainerDefinition),
		signalLookup:  make(map[string][]messageLoc),
		messageLookup: make(map[string]messageLoc),
	}
}

// AddMessage registers a message definition, indexing its signals and name
// for later lookup.
func (d *Database) AddMessage(msg MessageDefinition) {
	canID := msg.ID
	msgIdx := len(d.messages[canID])

	for sigIdx := range msg.Signals {
		loc := messageLoc{canID: canID, index: msgIdx}
		d.signalLookup[msg.Signals[sigIdx].Name] = append(d.signalLookup[msg.Signals[sigIdx].Name], loc)
	}

	d.messageLookup[msg.Name] = messageLoc{canID: canID, index: msgIdx}
	d.messages[canID] = append(d.messages[canID], msg)
	_logger.Debug("added message", "name", msg.Name, "id", canID, "source", msg.Source)
}

// AddContainer registers a container definition, keyed by its CAN id.
func (d *Database) AddContainer(c ContainerDefinition) {
	d.containers[c.ID] = c
	_logger.Debug("added container", "name", c.Name, "id", c.ID, "source", c.Source)
}

// Messages returns every message definition registered for canID.
func (d *Database) Messages(canID uint32) ([]MessageDefinition, bool) {
	msgs, ok := d.messages[canID]
	return msgs, ok
}

// Message returns the first message definition registered for canID.
func (d *Database) Message(canID uint32) (*MessageDefinition, bool) {
	msgs, ok := d.messages[canID]
	if !ok || len(msgs) == 0 {
		return nil, false
	}
	return &msgs[0], true
}

// Container returns the container definition registered for canID, if any.
func (d *Database) Container(canID uint32) (*ContainerDefinition, bool) {
	c, ok := d.containers[canID]
	if !ok {
		return nil, false
	}
	return &c, true
}

// MessageByName resolves a message definition by its name, used to decode
// Static/Dynamic contained PDUs that carry a name but no CAN id of their own.
func (d *Database) MessageByName(name string) (*MessageDefinition, bool) {
	loc, ok := d.messageLookup[name]
	if !ok {
		return nil, false
	}
	msgs, ok := d.messages[loc.canID]
	if !ok || loc.index >= len(msgs) {
		return nil, false
	}
	return &msgs[loc.index], true
}

// FindSignal returns every (CAN id, signal definition) location sharing the
// given signal name.
func (d *Database) FindSignal(name string) []SignalLocation {
	locs, ok := d.signalLookup[name]
	if !ok {
		return nil
	}
	out := make([]SignalLocation, 0, len(locs))
	for _, loc := range locs {
		msgs, ok := d.messages[loc.canID]
		if !ok || loc.index >= len(msgs) {
			continue
		}
		msg := &msgs[loc.index]
		for i := range msg.Signals {
			if msg.Signals[i].Name == name {
				out = append(out, SignalLocation{CanID: loc.canID, Signal: &msg.Signals[i]})
			}
		}
	}
	return out
}

// Stats reports aggregate counts across the whole database.
func (d *Database) Stats() Stats {
	var s Stats
	for _, msgs := range d.messages {
		s.NumMessages += len(msgs)
		for _, m := range msgs {
			s.NumSignals += len(m.Signals)
		}
	}
	s.NumContainers = len(d.containers)
	return s
}

// CanIDs returns every CAN id with a registered message, sorted ascending.
func (d *Database) CanIDs() []uint32 {
	ids := make([]uint32, 0, len(d.messages))
	for id := range d.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
