// Package dbc parses Vector DBC CAN signal database files into signaldb
// definitions.
package dbc

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/samsamfire/canlog/pkg/signaldb"
)

var _logger = slog.Default().With("service", "[DBC]")

var (
	messageRe = regexp.MustCompile(`^BO_\s+(\d+)\s+(\S+?):\s*(\d+)\s+(\S+)`)
	signalRe  = regexp.MustCompile(`^\s*SG_\s+(\S+)(\s+(M|m\d+))?\s*:\s*(\d+)\|(\d+)@([01])([+-])\s*\(([^,]+),([^)]+)\)\s*\[([^|]*)\|([^\]]*)\]\s*"([^"]*)"\s*(.*)$`)
	valueRe   = regexp.MustCompile(`^VAL_\s+(\d+)\s+(\S+)\s+(.*);`)
	valuePair = regexp.MustCompile(`(-?\d+)\s+"([^"]*)"`)
)

// Parse reads a DBC file and returns the message definitions it declares.
// Syntactically invalid files fail the whole parse; there is no natural
// per-record recovery point in the DBC grammar.
func Parse(path string) ([]signaldb.MessageDefinition, error) {
	_logger.Info("parsing dbc file", "path", path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	content := decodeText(raw)
	sourceName := filepath.Base(path)

	messages, err := parseContent(content, sourceName)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	_logger.Info("parsed dbc file", "path", path, "messages", len(messages))
	return messages, nil
}

// decodeText decodes raw bytes as UTF-8, falling back to a byte-for-byte
// Latin-1 mapping on failure so DBC files are never rejected solely for
// encoding issues.
func decodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	_logger.Warn("dbc file is not valid UTF-8, falling back to Latin-1")
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

type pendingMessage struct {
	id       uint32
	name     string
	size     int
	sender   string
	signals  []signaldb.SignalDefinition
	muxName  string
	hasMux   bool
	valTable map[string]map[int64]string
}

func parseContent(content string, source string) ([]signaldb.MessageDefinition, error) {
	var messages []pendingMessage
	byID := make(map[uint32]*pendingMessage)

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current *pendingMessage

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "BO_ "):
			m := messageRe.FindStringSubmatch(trimmed)
			if m == nil {
				return nil, fmt.Errorf("malformed BO_ record: %q", trimmed)
			}
			id, err := strconv.ParseUint(m[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("malformed message id in %q: %w", trimmed, err)
			}
			size, err := strconv.Atoi(m[3])
			if err != nil {
				return nil, fmt.Errorf("malformed message size in %q: %w", trimmed, err)
			}
			pm := pendingMessage{
				id:       uint32(id),
				name:     m[2],
				size:     size,
				sender:   m[4],
				valTable: make(map[string]map[int64]string),
			}
			messages = append(messages, pm)
			current = &messages[len(messages)-1]
			byID[pm.id] = current

		case strings.HasPrefix(trimmed, "SG_ "):
			if current == nil {
				return nil, fmt.Errorf("SG_ record outside of a BO_ message: %q", trimmed)
			}
			sig, isMux, muxSwitch, err := parseSignal(trimmed)
			if err != nil {
				return nil, err
			}
			if isMux == muxKindMultiplexor {
				current.hasMux = true
				current.muxName = sig.Name
			} else if isMux == muxKindMultiplexed {
				current.hasMux = true
				sig.MultiplexerInfo = &signaldb.MultiplexerInfo{MultiplexerValues: []uint64{muxSwitch}}
			}
			current.signals = append(current.signals, sig)

		case strings.HasPrefix(trimmed, "VAL_ "):
			m := valueRe.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			id, err := strconv.ParseUint(m[1], 10, 32)
			if err != nil {
				continue
			}
			target, ok := byID[uint32(id)]
			if !ok {
				continue
			}
			table := make(map[int64]string)
			for _, pair := range valuePair.FindAllStringSubmatch(m[3], -1) {
				raw, err := strconv.ParseInt(pair[1], 10, 64)
				if err != nil {
					continue
				}
				table[raw] = pair[2]
			}
			target.valTable[m[2]] = table
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan dbc content: %w", err)
	}

	out := make([]signaldb.MessageDefinition, 0, len(messages))
	for i := range messages {
		pm := &messages[i]
		for si := range pm.signals {
			if table, ok := pm.valTable[pm.signals[si].Name]; ok {
				pm.signals[si].ValueTable = table
			}
			if pm.signals[si].MultiplexerInfo != nil {
				pm.signals[si].MultiplexerInfo.MultiplexerSignal = pm.muxName
			}
		}
		def := signaldb.MessageDefinition{
			ID:            pm.id,
			Name:          pm.name,
			Size:          pm.size,
			Signals:       pm.signals,
			IsMultiplexed: pm.hasMux,
			Source:        source,
		}
		if pm.sender != "" && pm.sender != "Vector__XXX" {
			sender := pm.sender
			def.Sender = &sender
		}
		if pm.hasMux {
			name := pm.muxName
			def.MultiplexerSignal = &name
		}
		out = append(out, def)
	}
	return out, nil
}

type muxKind int

const (
	muxKindNone muxKind = iota
	muxKindMultiplexor
	muxKindMultiplexed
)

func parseSignal(line string) (signaldb.SignalDefinition, muxKind, uint64, error) {
	m := signalRe.FindStringSubmatch(line)
	if m == nil {
		return signaldb.SignalDefinition{}, muxKindNone, 0, fmt.Errorf("malformed SG_ record: %q", line)
	}

	name := m[1]
	muxTag := m[3]

	startBit, _ := strconv.ParseUint(m[4], 10, 16)
	length, _ := strconv.ParseUint(m[5], 10, 16)
	byteOrder := signaldb.LittleEndian
	if m[6] == "0" {
		byteOrder = signaldb.BigEndian
	}
	valueType := signaldb.Unsigned
	if m[7] == "-" {
		valueType = signaldb.Signed
	}
	factor, err := strconv.ParseFloat(strings.TrimSpace(m[8]), 64)
	if err != nil {
		return signaldb.SignalDefinition{}, muxKindNone, 0, fmt.Errorf("malformed factor in %q: %w", line, err)
	}
	offset, err := strconv.ParseFloat(strings.TrimSpace(m[9]), 64)
	if err != nil {
		return signaldb.SignalDefinition{}, muxKindNone, 0, fmt.Errorf("malformed offset in %q: %w", line, err)
	}
	min, _ := strconv.ParseFloat(strings.TrimSpace(m[10]), 64)
	max, _ := strconv.ParseFloat(strings.TrimSpace(m[11]), 64)

	def := signaldb.SignalDefinition{
		Name:      name,
		StartBit:  uint16(startBit),
		Length:    uint16(length),
		ByteOrder: byteOrder,
		ValueType: valueType,
		Factor:    factor,
		Offset:    offset,
		Min:       min,
		Max:       max,
	}
	if m[12] != "" {
		unit := m[12]
		def.Unit = &unit
	}

	switch {
	case muxTag == "M":
		return def, muxKindMultiplexor, 0, nil
	case strings.HasPrefix(muxTag, "m"):
		switchValue, err := strconv.ParseUint(muxTag[1:], 10, 64)
		if err != nil {
			return signaldb.SignalDefinition{}, muxKindNone, 0, fmt.Errorf("malformed multiplexer switch value in %q: %w", line, err)
		}
		return def, muxKindMultiplexed, switchValue, nil
	default:
		return def, muxKindNone, 0, nil
	}
}
