package canlog

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/canlog/pkg/signaldb"
)

const maxContainerWarnings = 5

// decodeContainer splits a raw frame's payload into its contained PDUs per
// def's layout strategy and returns the resulting events: the container
// event always comes first, followed by one decoded message event per
// contained PDU whose message definition is found and yields at least one
// signal. Contained PDUs that cannot be resolved produce no extra event;
// their bytes appear only in the container event.
func decodeContainer(frame RawFrame, def *signaldb.ContainerDefinition, db *signaldb.Database) []DecodedEvent {
	var contained []ContainedPdu
	switch def.Layout.Kind {
	case signaldb.ContainerStatic:
		contained = decodeStaticContainer(frame.Data, def)
	case signaldb.ContainerDynamic:
		contained = decodeDynamicContainer(frame.Data, def)
	case signaldb.ContainerQueued:
		contained = decodeQueuedContainer(frame.Data, def)
	}

	events := make([]DecodedEvent, 0, 1+len(contained))
	events = append(events, newContainerPduEvent(frame.Timestamp, def.ID, def.Name, containerTypeOf(def.Type), contained))

	for _, pdu := range contained {
		var msgDef *signaldb.MessageDefinition
		var ok bool
		if def.Layout.Kind == signaldb.ContainerQueued {
			// Queued containers carry no PDU name reference of their own;
			// the configured pdu id doubles as the CAN id for the lookup,
			// so every slot instance shares one signal layout.
			msgDef, ok = db.Message(pdu.PduID)
		} else {
			msgDef, ok = db.MessageByName(pdu.Name)
		}
		if !ok {
			continue
		}
		subFrame := RawFrame{Timestamp: frame.Timestamp, Channel: frame.Channel, ID: msgDef.ID, Data: pdu.Data}
		if ev, ok := decodeMessage(subFrame, msgDef); ok {
			events = append(events, ev)
		}
	}

	return events
}

func containerTypeOf(k signaldb.ContainerKind) ContainerType {
	switch k {
	case signaldb.ContainerStatic:
		return ContainerStatic
	case signaldb.ContainerDynamic:
		return ContainerDynamic
	case signaldb.ContainerQueued:
		return ContainerQueued
	default:
		return ContainerStatic
	}
}

// decodeStaticContainer slices fixed (position, size) PDU slots out of data.
// An overflowing slot is logged and skipped; once maxContainerWarnings slots
// have overflowed, the rest of the container is abandoned.
func decodeStaticContainer(data []byte, def *signaldb.ContainerDefinition) []ContainedPdu {
	var out []ContainedPdu
	warnings := 0
	for _, pdu := range def.Layout.Pdus {
		end := pdu.Position + pdu.Size
		if end > len(data) {
			warnings++
			log.Warnf("%s static container %s: pdu %s overflows payload (end=%d, len=%d)",
				logTag, def.Name, pdu.Name, end, len(data))
			if warnings >= maxContainerWarnings {
				log.Warnf("%s static container %s: too many overflowing pdus, abandoning container", logTag, def.Name)
				break
			}
			continue
		}
		out = append(out, ContainedPdu{PduID: pdu.PduID, Name: pdu.Name, Data: data[pdu.Position:end]})
	}
	return out
}

// decodeDynamicContainer walks a run of SHORT-HEADER (4 byte: u16 BE id + u8
// length + 1 reserved byte) or LONG-HEADER (8 byte: u32 BE id + u32 BE
// length) framed sub-PDUs until an all-zero header (end marker) or a
// length overflowing the remaining payload is seen.
func decodeDynamicContainer(data []byte, def *signaldb.ContainerDefinition) []ContainedPdu {
	headerSize := def.Layout.HeaderSize
	if len(data) < headerSize {
		return nil
	}

	known := make(map[uint32]string, len(def.Layout.Pdus))
	for _, p := range def.Layout.Pdus {
		known[p.PduID] = p.Name
	}

	var out []ContainedPdu
	offset := 0
	for offset+headerSize <= len(data) {
		header := data[offset : offset+headerSize]
		if allZero(header) {
			break
		}

		var id uint32
		var length uint32
		if headerSize == 4 {
			id = uint32(binary.BigEndian.Uint16(header[0:2]))
			length = uint32(header[2])
		} else {
			id = binary.BigEndian.Uint32(header[0:4])
			length = binary.BigEndian.Uint32(header[4:8])
		}

		start := offset + headerSize
		end := start + int(length)
		if end > len(data) {
			log.Warnf("%s dynamic container %s: pdu id=%d length %d overflows payload", logTag, def.Name, id, length)
			break
		}

		name, ok := known[id]
		if !ok {
			name = fmt.Sprintf("PDU_%d", id)
		}
		out = append(out, ContainedPdu{PduID: id, Name: name, Data: data[start:end]})
		offset = end
	}
	return out
}

// decodeQueuedContainer walks fixed-size slots until an all-zero slot or the
// payload is exhausted, naming each instance "PDU_<pdu_id>_<index>". Every
// instance carries the container's configured pdu id, which decodeContainer
// then uses as a CAN id to look up the shared signal layout.
func decodeQueuedContainer(data []byte, def *signaldb.ContainerDefinition) []ContainedPdu {
	size := def.Layout.PduSize
	if size <= 0 {
		return nil
	}

	var out []ContainedPdu
	offset := 0
	instance := 0
	for offset+size <= len(data) {
		slot := data[offset : offset+size]
		if allZero(slot) {
			break
		}
		name := fmt.Sprintf("PDU_%d_%d", def.Layout.PduID, instance)
		out = append(out, ContainedPdu{PduID: def.Layout.PduID, Name: name, Data: slot})
		offset += size
		instance++
	}
	return out
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
