// Package arxml parses AUTOSAR ARXML signal databases (I-SIGNAL-I-PDU,
// MULTIPLEXED-I-PDU and CONTAINER-I-PDU) into signaldb definitions.
package arxml

import (
	"encoding/xml"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samsamfire/canlog/pkg/signaldb"
)

var _logger = slog.Default().With("service", "[ARXML]")

// node is a generic ARXML element tree, decoded in one pass and then walked
// by element name, with an indexed pre-pass for CAN-id resolution instead of
// an XPath-style query per lookup.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []*node    `xml:",any"`
}

func (n *node) child(name string) *node {
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			return c
		}
	}
	return nil
}

func (n *node) childrenNamed(name string) []*node {
	var out []*node
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			out = append(out, c)
		}
	}
	return out
}

func (n *node) text(path ...string) (string, bool) {
	cur := n
	for _, p := range path {
		cur = cur.child(p)
		if cur == nil {
			return "", false
		}
	}
	return strings.TrimSpace(cur.Content), true
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// shortName returns the SHORT-NAME child's text, the conventional AUTOSAR
// identifier for any named element.
func (n *node) shortName() string {
	s, _ := n.text("SHORT-NAME")
	return s
}

// walk collects every descendant element named tag, at any depth.
func walk(n *node, tag string, out *[]*node) {
	if n.XMLName.Local == tag {
		*out = append(*out, n)
	}
	for _, c := range n.Children {
		walk(c, tag, out)
	}
}

func findAll(root *node, tag string) []*node {
	var out []*node
	walk(root, tag, &out)
	return out
}

// Parse reads an ARXML file and returns the message and container
// definitions it declares. Individual PDUs that cannot be resolved are
// skipped with a warning rather than failing the whole file; only
// structurally malformed XML is fatal.
func Parse(path string) ([]signaldb.MessageDefinition, []signaldb.ContainerDefinition, error) {
	_logger.Info("parsing arxml file", "path", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	var root node
	if err := dec.Decode(&root); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}

	sourceName := filepath.Base(path)

	canIDByPdu := buildCanIDPrePass(&root)
	pduTriggerings := buildPduTriggeringIndex(&root)

	var messages []signaldb.MessageDefinition
	var containers []signaldb.ContainerDefinition

	for _, pduNode := range findAll(&root, "I-SIGNAL-I-PDU") {
		name := pduNode.shortName()
		canID, ok := canIDByPdu[name]
		if !ok {
			_logger.Warn("skipping i-signal-i-pdu with no resolvable CAN id", "name", name)
			continue
		}
		msg, err := convertSignalIPdu(&root, pduNode, canID, sourceName)
		if err != nil {
			_logger.Warn("skipping malformed i-signal-i-pdu", "name", name, "error", err)
			continue
		}
		messages = append(messages, msg)
	}

	for _, pduNode := range findAll(&root, "MULTIPLEXED-I-PDU") {
		name := pduNode.shortName()
		canID, ok := canIDByPdu[name]
		if !ok {
			_logger.Warn("skipping multiplexed-i-pdu with no resolvable CAN id", "name", name)
			continue
		}
		msg, err := convertMultiplexedIPdu(&root, pduNode, canID, sourceName)
		if err != nil {
			_logger.Warn("skipping malformed multiplexed-i-pdu", "name", name, "error", err)
			continue
		}
		messages = append(messages, msg)
	}

	for _, pduNode := range findAll(&root, "CONTAINER-I-PDU") {
		name := pduNode.shortName()
		canID, ok := canIDByPdu[name]
		if !ok {
			_logger.Warn("skipping container-i-pdu with no resolvable CAN id", "name", name)
			continue
		}
		cont, err := convertContainerIPdu(&root, pduNode, canID, sourceName, pduTriggerings)
		if err != nil {
			_logger.Warn("skipping malformed container-i-pdu", "name", name, "error", err)
			continue
		}
		containers = append(containers, cont)
	}

	_logger.Info("parsed arxml file", "path", path, "messages", len(messages), "containers", len(containers))
	return messages, containers, nil
}

// buildCanIDPrePass resolves PDU short names to CAN ids in a single walk,
// via two hash tables: frame name -> id from every CAN-FRAME-TRIGGERING's
// IDENTIFIER and FRAME-REF, then PDU name -> id from the PDU-TO-FRAME-MAPPING
// elements under each CAN-FRAME. Documents that reference the PDU straight
// from the triggering (I-PDU-TRIGGERING-REF) are resolved in the same pass.
// Per-PDU lookups afterwards are O(1) instead of a tree walk each.
func buildCanIDPrePass(root *node) map[string]uint32 {
	idByFrame := make(map[string]uint32)
	canIDByPdu := make(map[string]uint32)

	for _, trig := range findAll(root, "CAN-FRAME-TRIGGERING") {
		idText, ok := trig.text("IDENTIFIER")
		if !ok {
			continue
		}
		id64, err := strconv.ParseUint(strings.TrimSpace(idText), 10, 32)
		if err != nil {
			continue
		}
		id := uint32(id64)

		if frameRef := trig.child("FRAME-REF"); frameRef != nil {
			if name := refTail(frameRef.Content); name != "" {
				idByFrame[name] = id
			}
		}
		if pduRef := trig.child("I-PDU-TRIGGERING-REF"); pduRef != nil {
			if name := refTail(pduRef.Content); name != "" {
				canIDByPdu[name] = id
			}
		}
	}

	for _, frame := range findAll(root, "CAN-FRAME") {
		id, ok := idByFrame[frame.shortName()]
		if !ok {
			continue
		}
		for _, mapping := range findAll(frame, "PDU-TO-FRAME-MAPPING") {
			if pduRef := mapping.child("PDU-REF"); pduRef != nil {
				if name := refTail(pduRef.Content); name != "" {
					canIDByPdu[name] = id
				}
			}
		}
	}

	return canIDByPdu
}

// buildPduTriggeringIndex maps every PDU-TRIGGERING's short name to the
// short name of the I-PDU it triggers, so contained-PDU triggering
// references can be resolved to actual PDU names in O(1).
func buildPduTriggeringIndex(root *node) map[string]string {
	out := make(map[string]string)
	for _, trig := range findAll(root, "PDU-TRIGGERING") {
		ref := trig.child("I-PDU-REF")
		if ref == nil {
			continue
		}
		if name := refTail(ref.Content); name != "" {
			out[trig.shortName()] = name
		}
	}
	return out
}

// refTail returns the last path segment of an AUTOSAR "/A/B/C"-style
// reference, which is conventionally the referenced element's short name.
func refTail(ref string) string {
	ref = strings.TrimSpace(ref)
	idx := strings.LastIndex(ref, "/")
	if idx < 0 {
		return ref
	}
	return ref[idx+1:]
}

func convertSignalIPdu(root, pduNode *node, canID uint32, source string) (signaldb.MessageDefinition, error) {
	name := pduNode.shortName()
	sizeText, _ := pduNode.text("LENGTH")
	size, _ := strconv.Atoi(strings.TrimSpace(sizeText))

	var signals []signaldb.SignalDefinition
	for _, mapping := range findAll(pduNode, "I-SIGNAL-TO-I-PDU-MAPPING") {
		sig, err := convertSignalMapping(root, mapping)
		if err != nil {
			_logger.Warn("skipping malformed signal mapping", "pdu", name, "error", err)
			continue
		}
		signals = append(signals, sig)
	}

	return signaldb.MessageDefinition{
		ID:      canID,
		Name:    name,
		Size:    size,
		Signals: signals,
		Source:  source,
	}, nil
}

func convertSignalMapping(root, mapping *node) (signaldb.SignalDefinition, error) {
	startText, ok := mapping.text("START-POSITION")
	if !ok {
		return signaldb.SignalDefinition{}, fmt.Errorf("missing START-POSITION")
	}
	startBit, err := strconv.ParseUint(strings.TrimSpace(startText), 10, 16)
	if err != nil {
		return signaldb.SignalDefinition{}, fmt.Errorf("bad START-POSITION: %w", err)
	}

	byteOrder := signaldb.LittleEndian
	if order, ok := mapping.text("PACKING-BYTE-ORDER"); ok {
		if strings.Contains(order, "MOST-SIGNIFICANT-BYTE-FIRST") {
			byteOrder = signaldb.BigEndian
		}
	}

	sysSignalRef := mapping.child("I-SIGNAL-REF")
	if sysSignalRef == nil {
		return signaldb.SignalDefinition{}, fmt.Errorf("missing I-SIGNAL-REF")
	}
	name := refTail(sysSignalRef.Content)

	iSignal := findElementByShortName(root, "I-SIGNAL", name)
	if iSignal == nil {
		// The I-SIGNAL definition may be absent from this document entirely
		// (split system extracts); fall back to the mapping's own fields.
		// Length then defaults to 0, which is rejected below.
		iSignal = mapping
	}

	lengthText, _ := iSignal.text("LENGTH")
	length, _ := strconv.ParseUint(strings.TrimSpace(lengthText), 10, 16)
	if length == 0 {
		return signaldb.SignalDefinition{}, fmt.Errorf("signal %q has zero length", name)
	}

	def := signaldb.SignalDefinition{
		Name:      name,
		StartBit:  uint16(startBit),
		Length:    uint16(length),
		ByteOrder: byteOrder,
		ValueType: signaldb.Unsigned,
		Factor:    1.0,
		Offset:    0.0,
	}

	if unitRef := findNodePath(iSignal, "NETWORK-REPRESENTATION-PROPS", "SW-DATA-DEF-PROPS-VARIANTS", "SW-DATA-DEF-PROPS-CONDITIONAL", "UNIT-REF"); unitRef != nil {
		unit := refTail(unitRef.Content)
		def.Unit = &unit
	}

	if compuRef := findNodePath(iSignal, "NETWORK-REPRESENTATION-PROPS", "SW-DATA-DEF-PROPS-VARIANTS", "SW-DATA-DEF-PROPS-CONDITIONAL", "COMPU-METHOD-REF"); compuRef != nil {
		factor, offset, unit := resolveCompuMethod(root, refTail(compuRef.Content))
		def.Factor = factor
		def.Offset = offset
		if unit != nil {
			def.Unit = unit
		}
	}

	return def, nil
}

// findElementByShortName searches descendants of n for an element named tag
// whose SHORT-NAME child equals name.
func findElementByShortName(n *node, tag, name string) *node {
	for _, candidate := range findAll(n, tag) {
		if candidate.shortName() == name {
			return candidate
		}
	}
	return nil
}

// findNodePath descends through a fixed chain of child element names,
// returning the final node or nil if any step is missing.
func findNodePath(n *node, path ...string) *node {
	cur := n
	for _, p := range path {
		cur = cur.child(p)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// resolveCompuMethod applies a COMPU-METHOD's linear conversion
// (v = v0 + v1*raw) found anywhere in the document by short name, detecting
// (and warning about, never silently mishandling) a COMPU-RATIONAL-COEFFS
// denominator other than 1.
func resolveCompuMethod(root *node, name string) (factor, offset float64, unit *string) {
	factor, offset = 1.0, 0.0
	compu := findElementByShortName(root, "COMPU-METHOD", name)
	if compu == nil {
		return
	}
	scale := findNodePath(compu, "COMPU-INTERNAL-TO-PHYS", "COMPU-SCALES", "COMPU-SCALE")
	if scale == nil {
		return
	}
	coeffs := findNodePath(scale, "COMPU-RATIONAL-COEFFS")
	if coeffs == nil {
		return
	}
	numerators := coeffs.child("COMPU-NUMERATOR")
	if numerators != nil {
		vs := numerators.childrenNamed("V")
		if len(vs) > 0 {
			offset, _ = strconv.ParseFloat(strings.TrimSpace(vs[0].Content), 64)
		}
		if len(vs) > 1 {
			factor, _ = strconv.ParseFloat(strings.TrimSpace(vs[1].Content), 64)
		}
	}
	if denom := coeffs.child("COMPU-DENOMINATOR"); denom != nil {
		vs := denom.childrenNamed("V")
		if len(vs) > 0 {
			d, _ := strconv.ParseFloat(strings.TrimSpace(vs[0].Content), 64)
			if d != 1.0 && d != 0.0 {
				_logger.Warn("compu-rational-coeffs denominator is not 1, using numerator-only linear form", "compu_method", name, "denominator", d)
			}
		}
	}
	return
}

func convertMultiplexedIPdu(root, pduNode *node, canID uint32, source string) (signaldb.MessageDefinition, error) {
	name := pduNode.shortName()
	sizeText, _ := pduNode.text("LENGTH")
	size, _ := strconv.Atoi(strings.TrimSpace(sizeText))

	selectorStart, selectorLen, err := selectorFieldPosition(pduNode)
	if err != nil {
		return signaldb.MessageDefinition{}, err
	}

	selectorName := name + "_selector"
	muxSignal := signaldb.SignalDefinition{
		Name:      selectorName,
		StartBit:  selectorStart,
		Length:    selectorLen,
		ByteOrder: signaldb.LittleEndian,
		ValueType: signaldb.Unsigned,
		Factor:    1.0,
		Offset:    0.0,
	}

	signals := []signaldb.SignalDefinition{muxSignal}

	for _, staticPart := range findAll(pduNode, "STATIC-PART") {
		for _, mapping := range findAll(staticPart, "I-SIGNAL-TO-I-PDU-MAPPING") {
			sig, err := convertSignalMapping(root, mapping)
			if err != nil {
				continue
			}
			signals = append(signals, sig)
		}
	}

	for _, alt := range findAll(pduNode, "DYNAMIC-PART-ALTERNATIVE") {
		codeText, ok := alt.text("SELECTOR-FIELD-CODE")
		if !ok {
			continue
		}
		code, err := strconv.ParseUint(strings.TrimSpace(codeText), 10, 64)
		if err != nil {
			continue
		}
		for _, mapping := range findAll(alt, "I-SIGNAL-TO-I-PDU-MAPPING") {
			sig, err := convertSignalMapping(root, mapping)
			if err != nil {
				continue
			}
			sig.MultiplexerInfo = &signaldb.MultiplexerInfo{
				MultiplexerSignal: selectorName,
				MultiplexerValues: []uint64{code},
			}
			signals = append(signals, sig)
		}
	}

	selName := selectorName
	return signaldb.MessageDefinition{
		ID:                canID,
		Name:              name,
		Size:              size,
		Signals:           signals,
		IsMultiplexed:     true,
		MultiplexerSignal: &selName,
		Source:            source,
	}, nil
}

func selectorFieldPosition(pduNode *node) (start, length uint16, err error) {
	startText, ok := pduNode.text("SELECTOR-FIELD-START-POSITION")
	if !ok {
		return 0, 0, fmt.Errorf("missing SELECTOR-FIELD-START-POSITION")
	}
	s, err := strconv.ParseUint(strings.TrimSpace(startText), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad SELECTOR-FIELD-START-POSITION: %w", err)
	}
	lengthText, ok := pduNode.text("SELECTOR-FIELD-LENGTH")
	if !ok {
		return 0, 0, fmt.Errorf("missing SELECTOR-FIELD-LENGTH")
	}
	l, err := strconv.ParseUint(strings.TrimSpace(lengthText), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad SELECTOR-FIELD-LENGTH: %w", err)
	}
	return uint16(s), uint16(l), nil
}

// containedPduNameHash produces a deterministic 16-bit identifier for a
// contained PDU name, used as a stand-in CONTAINED-PDU-TRIGGERING-REFS
// resolution key when the PDU's own numeric id cannot be recovered from the
// document (e.g. a Queued container's per-slot instances).
func containedPduNameHash(name string) uint16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return uint16(h.Sum32())
}

func convertContainerIPdu(root, pduNode *node, canID uint32, source string, pduTriggerings map[string]string) (signaldb.ContainerDefinition, error) {
	name := pduNode.shortName()

	headerType, _ := pduNode.text("HEADER-TYPE")
	headerType = strings.TrimSpace(headerType)

	containerLen := 0
	if lengthText, ok := pduNode.text("LENGTH"); ok {
		containerLen, _ = strconv.Atoi(strings.TrimSpace(lengthText))
	}

	// Each CONTAINED-PDU-TRIGGERING-REF points at a PDU-TRIGGERING whose
	// I-PDU-REF carries the nested PDU's name; references that point at the
	// PDU directly resolve to themselves.
	var containedRefs []string
	if refsNode := pduNode.child("CONTAINED-PDU-TRIGGERING-REFS"); refsNode != nil {
		for _, ref := range refsNode.childrenNamed("CONTAINED-PDU-TRIGGERING-REF") {
			refName := refTail(ref.Content)
			if target, ok := pduTriggerings[refName]; ok {
				refName = target
			}
			if refName != "" {
				containedRefs = append(containedRefs, refName)
			}
		}
	}

	switch headerType {
	case "", "NONE":
		pdus := staticContainerPdus(root, name, containerLen, containedRefs)
		return signaldb.ContainerDefinition{
			ID:   canID,
			Name: name,
			Type: signaldb.ContainerStatic,
			Layout: signaldb.ContainerLayout{
				Kind: signaldb.ContainerStatic,
				Pdus: pdus,
			},
			Source: source,
		}, nil

	case "SHORT-HEADER":
		return signaldb.ContainerDefinition{
			ID:   canID,
			Name: name,
			Type: signaldb.ContainerDynamic,
			Layout: signaldb.ContainerLayout{
				Kind:       signaldb.ContainerDynamic,
				HeaderSize: 4,
				Pdus:       dynamicContainerPdus(containedRefs),
			},
			Source: source,
		}, nil

	case "LONG-HEADER":
		return signaldb.ContainerDefinition{
			ID:   canID,
			Name: name,
			Type: signaldb.ContainerDynamic,
			Layout: signaldb.ContainerLayout{
				Kind:       signaldb.ContainerDynamic,
				HeaderSize: 8,
				Pdus:       dynamicContainerPdus(containedRefs),
			},
			Source: source,
		}, nil

	default:
		if !strings.Contains(headerType, "QUEUED") {
			return signaldb.ContainerDefinition{}, fmt.Errorf("container %q has unrecognized HEADER-TYPE %q", name, headerType)
		}
		pduID, pduSize, err := queuedContainerSlot(root, containedRefs)
		if err != nil {
			return signaldb.ContainerDefinition{}, err
		}
		return signaldb.ContainerDefinition{
			ID:   canID,
			Name: name,
			Type: signaldb.ContainerQueued,
			Layout: signaldb.ContainerLayout{
				Kind:    signaldb.ContainerQueued,
				PduID:   pduID,
				PduSize: pduSize,
			},
			Source: source,
		}, nil
	}
}

// queuedContainerSlot resolves the single PDU type a Queued container
// repeats: its CAN-id-shaped lookup key and fixed per-slot size, taken from
// the first (and conventionally only) contained PDU reference.
func queuedContainerSlot(root *node, refs []string) (pduID uint32, pduSize int, err error) {
	if len(refs) == 0 {
		return 0, 0, fmt.Errorf("queued container declares no contained pdu")
	}
	name := refs[0]
	size := containedPduLength(root, name)
	return uint32(containedPduNameHash(name)), size, nil
}

// containedPduLength returns the declared LENGTH of the named contained
// PDU's I-SIGNAL-I-PDU definition, defaulting to 8 when the definition or
// its LENGTH is missing from the document.
func containedPduLength(root *node, name string) int {
	pduNode := findElementByShortName(root, "I-SIGNAL-I-PDU", name)
	if pduNode == nil {
		return 8
	}
	lengthText, ok := pduNode.text("LENGTH")
	if !ok {
		return 8
	}
	size, err := strconv.Atoi(strings.TrimSpace(lengthText))
	if err != nil || size <= 0 {
		return 8
	}
	return size
}

// staticContainerPdus resolves each contained PDU triggering reference to a
// (name, position, size) slot, laid out sequentially from offset 0 in
// declaration order. Each slot's size is the referenced PDU's declared
// LENGTH (default 8); a slot that would overflow the container's own
// declared length stops further accumulation with a warning.
func staticContainerPdus(root *node, containerName string, containerLen int, refs []string) []signaldb.ContainedPduInfo {
	var out []signaldb.ContainedPduInfo
	pos := 0
	for _, name := range refs {
		size := containedPduLength(root, name)
		if containerLen > 0 && pos+size > containerLen {
			_logger.Warn("contained pdu overflows container length, stopping layout",
				"container", containerName, "pdu", name, "position", pos, "size", size, "container_length", containerLen)
			break
		}
		out = append(out, signaldb.ContainedPduInfo{
			PduID:    uint32(containedPduNameHash(name)),
			Name:     name,
			Position: pos,
			Size:     size,
		})
		pos += size
	}
	return out
}

// dynamicContainerPdus records the known PDU names so the decoder can
// resolve a wire-carried numeric id to a human name where possible, falling
// back to a synthesized "PDU_<id>" name for anything not listed here.
func dynamicContainerPdus(refs []string) []signaldb.ContainedPduInfo {
	out := make([]signaldb.ContainedPduInfo, 0, len(refs))
	for _, name := range refs {
		out = append(out, signaldb.ContainedPduInfo{
			PduID: uint32(containedPduNameHash(name)),
			Name:  name,
		})
	}
	return out
}
