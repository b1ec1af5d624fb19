package canlog

import (
	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/canlog/pkg/signaldb"
)

// decodeMessage decodes every signal declared by def against a raw frame's
// payload, honoring multiplexer gating: a mux pre-pass locates and extracts
// the multiplexer signal, then the main pass only decodes gated signals
// whose activating set contains the active selector value. It returns
// ok=false when not a single signal could be decoded, so callers can fall
// back to emitting a raw frame instead of an empty message event.
func decodeMessage(frame RawFrame, def *signaldb.MessageDefinition) (DecodedEvent, bool) {
	var muxValue *uint64
	if def.IsMultiplexed && def.MultiplexerSignal != nil {
		for i := range def.Signals {
			if def.Signals[i].Name == *def.MultiplexerSignal {
				if ds, ok := decodeSignalValue(frame.Data, &def.Signals[i]); ok {
					v := uint64(ds.RawValue)
					muxValue = &v
				}
				break
			}
		}
	}

	var signals []DecodedSignal
	for i := range def.Signals {
		sig := &def.Signals[i]
		if sig.MultiplexerInfo != nil {
			if muxValue == nil || !sig.MultiplexerInfo.Activates(*muxValue) {
				continue
			}
		}
		ds, ok := decodeSignalValue(frame.Data, sig)
		if !ok {
			continue
		}
		signals = append(signals, ds)
	}

	if len(signals) == 0 {
		log.Debugf("%s message %s (0x%X) produced no decodable signals", logTag, def.Name, def.ID)
		return DecodedEvent{}, false
	}

	return newMessageEvent(frame.Timestamp, frame.Channel, frame.ID, &def.Name, def.Sender, signals, def.IsMultiplexed, muxValue), true
}
