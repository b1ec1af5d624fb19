// Package blf parses Vector BLF (Binary Log Format) files into a lazy,
// single-pass sequence of raw CAN frames, transparently descending into
// compressed log-container records and filtering out non-CAN record types.
package blf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zlib"
)

var _logger = slog.Default().With("service", "[BLF]")

const (
	fileMagic               = "LOGG"
	recordMagic             = "LOBJ"
	maxConsecutiveBadMagic  = 1000
	fileHeaderFixedSize     = 36 // after magic, before the two SYSTEMTIME arrays
	fileHeaderFullStatsSize = 144
	recordPreambleSize      = 16 // header_size(2)+header_version(2)+object_size(4)+object_type(4)

	objTypeCanMessage2     = 86
	objTypeCanErrorExt     = 73
	objTypeCanFdMessage100 = 100
	objTypeCanFdMessage64  = 101
	objTypeLogContainer    = 10
	objTypeAppText         = 65
)

// Frame is a single CAN frame recovered from a BLF object record.
type Frame struct {
	TimestampNs uint64
	Channel     uint8
	ID          uint32
	Data        []byte
	Extended    bool
	FD          bool
	Error       bool
	Remote      bool
}

// FileHeader is the 144-byte BLF file header.
type FileHeader struct {
	StatsSize          uint32
	ApiVersion         uint32
	ApplicationID      uint8
	ApplicationVersion [3]uint8
	FileSize           uint64
	UncompressedSize   uint64
	ObjectCount        uint32
	ObjectRead         uint32
	MeasurementStart   [8]uint16
	LastObjectTime     [8]uint16
}

// Valid reports whether the header carries enough of the fixed fields to be
// trusted (does not require the full 144-byte variant).
func (h *FileHeader) Valid() bool {
	return h.StatsSize >= 4+4+8+8+4+4
}

// MeasurementStartTime converts the header's SYSTEMTIME measurement-start
// fields to a time.Time, when present (StatsSize == 144).
func (h *FileHeader) MeasurementStartTime() (time.Time, bool) {
	if h.StatsSize != fileHeaderFullStatsSize {
		return time.Time{}, false
	}
	ms := h.MeasurementStart
	year, month, day := int(ms[0]), time.Month(ms[1]), int(ms[3])
	hour, minute, second, milli := int(ms[4]), int(ms[5]), int(ms[6]), int(ms[7])
	if year == 0 {
		return time.Time{}, false
	}
	return time.Date(year, month, day, hour, minute, second, milli*int(time.Millisecond), time.UTC), true
}

// ReadFileHeader reads and validates the 144-byte BLF file header from the
// start of r, leaving the reader positioned at the start of the object
// records declared by StatsSize.
func ReadFileHeader(r io.Reader) (*FileHeader, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read blf signature: %w", err)
	}
	if string(magic[:]) != fileMagic {
		return nil, fmt.Errorf("invalid blf signature %q", magic)
	}

	h := &FileHeader{}
	fields := []any{
		&h.StatsSize, &h.ApiVersion, &h.ApplicationID, &h.ApplicationVersion,
		&h.FileSize, &h.UncompressedSize, &h.ObjectCount, &h.ObjectRead,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("read blf file header: %w", err)
		}
	}

	if h.StatsSize == fileHeaderFullStatsSize {
		if err := binary.Read(r, binary.LittleEndian, &h.MeasurementStart); err != nil {
			return nil, fmt.Errorf("read blf measurement start: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &h.LastObjectTime); err != nil {
			return nil, fmt.Errorf("read blf last object time: %w", err)
		}
		reserved := make([]byte, 72)
		if _, err := io.ReadFull(r, reserved); err != nil {
			return nil, fmt.Errorf("read blf reserved header bytes: %w", err)
		}
	}

	return h, nil
}

// FrameIterator lazily yields raw CAN frames from a BLF byte stream. Memory
// use is bounded to one decompressed log container plus one pending
// cross-container tail fragment, independent of file size.
type FrameIterator struct {
	r   io.ReadSeeker
	hdr *FileHeader

	prevContainerTail []byte
	containerCursor   *bytes.Reader
	consecutiveBad    int
	done              bool
}

// Frames opens a BLF stream, reads its file header and returns an iterator
// over the CAN frames it contains. The reader must remain valid and
// unmodified for the lifetime of the iterator.
func Frames(r io.ReadSeeker) (*FrameIterator, error) {
	hdr, err := ReadFileHeader(r)
	if err != nil {
		return nil, err
	}
	if !hdr.Valid() {
		return nil, fmt.Errorf("blf file header failed validity check (stats_size=%d)", hdr.StatsSize)
	}
	if _, err := r.Seek(int64(hdr.StatsSize), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek past blf file header: %w", err)
	}
	return &FrameIterator{r: r, hdr: hdr}, nil
}

// Header returns the file header read when the iterator was created.
func (it *FrameIterator) Header() *FileHeader { return it.hdr }

// Next returns the next raw CAN frame, io.EOF when the stream is exhausted,
// or a wrapped error on an unrecoverable failure.
func (it *FrameIterator) Next() (Frame, error) {
	for {
		if it.done {
			return Frame{}, io.EOF
		}

		if it.containerCursor != nil {
			frame, ok, err := it.nextFromContainer()
			if err != nil {
				return Frame{}, err
			}
			if ok {
				return frame, nil
			}
			// Container exhausted: capture its unconsumed tail for splicing
			// into the next container before falling through to read the
			// next top-level record.
			it.prevContainerTail = remainingBytes(it.containerCursor)
			it.containerCursor = nil
		}

		objectSize, headerSize, objType, remaining, err := readRecordPreamble(it.r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				it.done = true
				return Frame{}, io.EOF
			}
			if errors.Is(err, errBadMagic) {
				it.consecutiveBad++
				if it.consecutiveBad > maxConsecutiveBadMagic {
					it.done = true
					return Frame{}, fmt.Errorf("blf: too many consecutive bad record magics, aborting")
				}
				if _, serr := it.r.Seek(-int64(len(recordMagic)-1), io.SeekCurrent); serr != nil {
					it.done = true
					return Frame{}, fmt.Errorf("blf: resync seek failed: %w", serr)
				}
				continue
			}
			return Frame{}, fmt.Errorf("blf: read record header: %w", err)
		}
		it.consecutiveBad = 0

		frame, emitted, err := it.dispatchRecord(objType, headerSize, remaining)
		if err != nil {
			return Frame{}, err
		}
		if err := it.alignAfterRecord(objectSize); err != nil {
			if errors.Is(err, io.EOF) {
				it.done = true
			} else {
				return Frame{}, err
			}
		}
		if emitted {
			return frame, nil
		}
	}
}

var errBadMagic = errors.New("blf: bad record magic")

// readRecordPreamble reads the 16-byte LOBJ preamble and returns the total
// declared object size (including the preamble), the record's declared
// header size, and the remaining byte count for the type-specific body.
func readRecordPreamble(r io.Reader) (objectSize uint32, headerSize uint16, objectType uint32, remaining uint32, err error) {
	var magic [4]byte
	if _, err = io.ReadFull(r, magic[:]); err != nil {
		return 0, 0, 0, 0, err
	}
	if string(magic[:]) != recordMagic {
		return 0, 0, 0, 0, errBadMagic
	}
	var headerVersion uint16
	if err = binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return 0, 0, 0, 0, err
	}
	if err = binary.Read(r, binary.LittleEndian, &headerVersion); err != nil {
		return 0, 0, 0, 0, err
	}
	if err = binary.Read(r, binary.LittleEndian, &objectSize); err != nil {
		return 0, 0, 0, 0, err
	}
	if err = binary.Read(r, binary.LittleEndian, &objectType); err != nil {
		return 0, 0, 0, 0, err
	}
	if objectSize < recordPreambleSize {
		return 0, 0, 0, 0, fmt.Errorf("blf: implausible object_size %d", objectSize)
	}
	return objectSize, headerSize, objectType, objectSize - recordPreambleSize, nil
}

// alignAfterRecord discards the objectSize%4 padding bytes that follow a
// just-consumed record of the given declared size. It reads forward from
// the current position and does not seek to an absolute offset, so the
// record's parser must already have consumed exactly objectSize-16 bytes
// for the stream to land on the next record.
func (it *FrameIterator) alignAfterRecord(objectSize uint32) error {
	pad := objectSize % 4
	if pad == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, it.r, int64(pad))
	return err
}

// dispatchRecord parses one record's type-specific body. It returns a frame
// and true if a CAN frame was produced directly from the top level (not via
// a LogContainer, which instead seeds containerCursor).
func (it *FrameIterator) dispatchRecord(objType uint32, headerSize uint16, remaining uint32) (Frame, bool, error) {
	switch objType {
	case objTypeLogContainer:
		data, err := readLogContainer(it.r, remaining)
		if err != nil {
			return Frame{}, false, fmt.Errorf("blf: read log container: %w", err)
		}
		combined := data
		if len(it.prevContainerTail) > 0 {
			combined = make([]byte, 0, len(it.prevContainerTail)+len(data))
			combined = append(combined, it.prevContainerTail...)
			combined = append(combined, data...)
			it.prevContainerTail = nil
		}
		it.containerCursor = bytes.NewReader(combined)
		return Frame{}, false, nil

	case objTypeCanMessage2, objTypeCanErrorExt, objTypeCanFdMessage100, objTypeCanFdMessage64:
		frame, ok, err := parseCanObject(it.r, objType, headerSize, remaining)
		if err != nil {
			return Frame{}, false, fmt.Errorf("blf: parse object type %d: %w", objType, err)
		}
		return frame, ok, nil

	case objTypeAppText:
		if err := skipAppText(it.r, remaining); err != nil {
			return Frame{}, false, fmt.Errorf("blf: skip app text: %w", err)
		}
		return Frame{}, false, nil

	default:
		if err := skipUnknown(it.r, objType, remaining); err != nil {
			return Frame{}, false, fmt.Errorf("blf: skip object type %d: %w", objType, err)
		}
		return Frame{}, false, nil
	}
}

// nextFromContainer pulls the next record out of the currently spliced
// LogContainer payload, recursing one level to handle nested records.
func (it *FrameIterator) nextFromContainer() (Frame, bool, error) {
	for {
		recordStart, _ := it.containerCursor.Seek(0, io.SeekCurrent)
		objectSize, headerSize, objType, remaining, err := readRecordPreamble(it.containerCursor)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Rewind so the partial record stays in the tail that is
				// spliced into the next container.
				_, _ = it.containerCursor.Seek(recordStart, io.SeekStart)
				return Frame{}, false, nil
			}
			if errors.Is(err, errBadMagic) {
				it.consecutiveBad++
				if it.consecutiveBad > maxConsecutiveBadMagic {
					return Frame{}, false, fmt.Errorf("blf: too many consecutive bad record magics in container, aborting")
				}
				if _, serr := it.containerCursor.Seek(-int64(len(recordMagic)-1), io.SeekCurrent); serr != nil {
					return Frame{}, false, nil
				}
				continue
			}
			return Frame{}, false, fmt.Errorf("blf: read record header in container: %w", err)
		}
		it.consecutiveBad = 0
		if int64(remaining)+int64(objectSize%4) > int64(it.containerCursor.Len()) {
			// The record continues in the next container: keep all of it
			// for splicing.
			_, _ = it.containerCursor.Seek(recordStart, io.SeekStart)
			return Frame{}, false, nil
		}

		frame, emitted, err := it.dispatchContainerRecord(objType, headerSize, remaining)
		if err != nil {
			return Frame{}, false, err
		}
		pad := objectSize % 4
		if pad != 0 {
			if _, err := io.CopyN(io.Discard, it.containerCursor, int64(pad)); err != nil {
				return Frame{}, false, nil
			}
		}
		if emitted {
			return frame, true, nil
		}
	}
}

// dispatchContainerRecord is dispatchRecord specialized for records found
// inside an already-decompressed LogContainer. A LogContainer record found
// here is not decompressed: like any other unhandled type it is skipped by
// its declared length.
func (it *FrameIterator) dispatchContainerRecord(objType uint32, headerSize uint16, remaining uint32) (Frame, bool, error) {
	switch objType {
	case objTypeCanMessage2, objTypeCanErrorExt, objTypeCanFdMessage100, objTypeCanFdMessage64:
		return parseCanObject(it.containerCursor, objType, headerSize, remaining)
	case objTypeAppText:
		return Frame{}, false, skipAppText(it.containerCursor, remaining)
	default:
		return Frame{}, false, skipUnknown(it.containerCursor, objType, remaining)
	}
}

func remainingBytes(r *bytes.Reader) []byte {
	if r.Len() == 0 {
		return nil
	}
	buf := make([]byte, r.Len())
	_, _ = r.Read(buf)
	return buf
}

// readLogContainer reads a type-10 record body and returns its decompressed
// payload (stored verbatim for method 0, zlib-inflated for method 2).
func readLogContainer(r io.Reader, remaining uint32) ([]byte, error) {
	var compressionMethod uint16
	if err := binary.Read(r, binary.LittleEndian, &compressionMethod); err != nil {
		return nil, err
	}
	reserved := make([]byte, 6)
	if _, err := io.ReadFull(r, reserved); err != nil {
		return nil, err
	}
	var uncompressedSize uint32
	if err := binary.Read(r, binary.LittleEndian, &uncompressedSize); err != nil {
		return nil, err
	}
	var reserved2 uint32
	if err := binary.Read(r, binary.LittleEndian, &reserved2); err != nil {
		return nil, err
	}

	compressedSize := remaining - 16
	compressed := make([]byte, compressedSize)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}
	// The trailing alignment pad is consumed by the caller's uniform
	// post-record alignment step, not here.

	switch compressionMethod {
	case 0:
		return compressed, nil
	case 2:
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("open zlib stream: %w", err)
		}
		defer zr.Close()
		out := make([]byte, 0, uncompressedSize)
		buf := bytes.NewBuffer(out)
		if _, err := io.CopyN(buf, zr, int64(uncompressedSize)); err != nil && err != io.EOF {
			return nil, fmt.Errorf("inflate log container: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown log container compression method %d", compressionMethod)
	}
}

type objectHeader struct {
	Flags       uint32
	ClientIndex uint16
	Version     uint16
	TimestampNs uint64
}

func readObjectHeader(r io.Reader) (objectHeader, error) {
	var h objectHeader
	if err := binary.Read(r, binary.LittleEndian, &h.Flags); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.ClientIndex); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.TimestampNs); err != nil {
		return h, err
	}
	return h, nil
}

const (
	canFlagExtended = 1 << 0
	canFlagRemote   = 1 << 1
	canFlagFD       = 1 << 7
)

func parseCanObject(r io.Reader, objType uint32, headerSize uint16, remaining uint32) (Frame, bool, error) {
	switch objType {
	case objTypeCanMessage2:
		return parseCanMessage2(r, remaining)
	case objTypeCanErrorExt:
		return parseCanErrorFrameExt(r)
	case objTypeCanFdMessage100:
		return parseCanFdMessage100(r)
	case objTypeCanFdMessage64:
		return parseCanFdMessage64(r, headerSize, remaining)
	default:
		return Frame{}, false, fmt.Errorf("unreachable object type %d", objType)
	}
}

func parseCanMessage2(r io.Reader, remaining uint32) (Frame, bool, error) {
	hdr, err := readObjectHeader(r)
	if err != nil {
		return Frame{}, false, err
	}
	var channel uint16
	var flagsByte, dlc uint8
	var id uint32
	if err := binary.Read(r, binary.LittleEndian, &channel); err != nil {
		return Frame{}, false, err
	}
	if err := binary.Read(r, binary.LittleEndian, &flagsByte); err != nil {
		return Frame{}, false, err
	}
	if err := binary.Read(r, binary.LittleEndian, &dlc); err != nil {
		return Frame{}, false, err
	}
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return Frame{}, false, err
	}

	const objectHeaderSize = 16
	const fixedTailSize = 2 + 1 + 1 + 4 + 4 + 1 + 1 + 2
	dataLen := int(remaining) - objectHeaderSize - fixedTailSize
	if dataLen < 0 {
		return Frame{}, false, fmt.Errorf("can message 2: negative data length")
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return Frame{}, false, err
	}

	var frameLengthNs uint32
	var bitCount, reserved1 uint8
	var reserved2 uint16
	if err := binary.Read(r, binary.LittleEndian, &frameLengthNs); err != nil {
		return Frame{}, false, err
	}
	if err := binary.Read(r, binary.LittleEndian, &bitCount); err != nil {
		return Frame{}, false, err
	}
	if err := binary.Read(r, binary.LittleEndian, &reserved1); err != nil {
		return Frame{}, false, err
	}
	if err := binary.Read(r, binary.LittleEndian, &reserved2); err != nil {
		return Frame{}, false, err
	}

	return Frame{
		TimestampNs: hdr.TimestampNs,
		Channel:     uint8(channel),
		ID:          id,
		Data:        data,
		Extended:    flagsByte&canFlagExtended != 0,
		Remote:      flagsByte&canFlagRemote != 0,
		FD:          flagsByte&canFlagFD != 0,
	}, true, nil
}

func parseCanErrorFrameExt(r io.Reader) (Frame, bool, error) {
	hdr, err := readObjectHeader(r)
	if err != nil {
		return Frame{}, false, err
	}
	var channel, length uint16
	var flags uint32
	var ecc, position, dlc, reserved1 uint8
	var frameLengthNs uint32
	var id uint32
	var flagsExt, reserved2 uint16
	var data [8]byte

	fields := []any{&channel, &length, &flags, &ecc, &position, &dlc, &reserved1,
		&frameLengthNs, &id, &flagsExt, &reserved2, &data}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Frame{}, false, err
		}
	}

	return Frame{
		TimestampNs: hdr.TimestampNs,
		Channel:     uint8(channel),
		ID:          id,
		Data:        data[:],
		Error:       true,
	}, true, nil
}

func parseCanFdMessage100(r io.Reader) (Frame, bool, error) {
	hdr, err := readObjectHeader(r)
	if err != nil {
		return Frame{}, false, err
	}
	var channel uint16
	var flagsByte, dlc uint8
	var id uint32
	var frameLengthNs uint32
	var bitCount, fdFlags, validDataBytes uint8
	var reserved [5]byte
	var data [64]byte

	fields := []any{&channel, &flagsByte, &dlc, &id, &frameLengthNs, &bitCount,
		&fdFlags, &validDataBytes, &reserved, &data}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Frame{}, false, err
		}
	}

	return Frame{
		TimestampNs: hdr.TimestampNs,
		Channel:     uint8(channel),
		ID:          id,
		Data:        data[:validDataBytes],
		Extended:    flagsByte&canFlagExtended != 0,
		Remote:      flagsByte&canFlagRemote != 0,
		FD:          true,
	}, true, nil
}

const canFdMessage64HeaderSize = 40

// canFdMessage64DataLen computes how many payload bytes a CanFdMessage64
// record actually carries: the region between its fixed layout (the
// record's declared header size, then the 40-byte message struct) and
// either ext_data_offset or the end of the object, capped by the record's
// own valid-data-byte count.
func canFdMessage64DataLen(remainingSize uint32, headerSize uint16, extDataOffset uint8, validDataBytes uint8) int {
	objectSize := remainingSize + recordPreambleSize
	offset := objectSize
	if extDataOffset != 0 {
		offset = uint32(extDataOffset)
	}
	hs := uint32(headerSize)
	var available uint32
	if offset > hs+canFdMessage64HeaderSize {
		available = offset - (hs + canFdMessage64HeaderSize)
	}
	dataLen := available
	if uint32(validDataBytes) < dataLen {
		dataLen = uint32(validDataBytes)
	}
	return int(dataLen)
}

func parseCanFdMessage64(r io.Reader, headerSize uint16, remaining uint32) (Frame, bool, error) {
	hdr, err := readObjectHeader(r)
	if err != nil {
		return Frame{}, false, err
	}
	var channel, dlc, validDataBytes, txCount uint8
	var id, frameLengthNs, fdFlags, arbBitrate, dataBitrate, brsOffset, crcDelimOffset uint32
	var bitCount uint16
	var direction, extDataOffset uint8
	var crc uint32

	fields := []any{&channel, &dlc, &validDataBytes, &txCount, &id, &frameLengthNs,
		&fdFlags, &arbBitrate, &dataBitrate, &brsOffset, &crcDelimOffset,
		&bitCount, &direction, &extDataOffset, &crc}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Frame{}, false, err
		}
	}

	dataLen := canFdMessage64DataLen(remaining, headerSize, extDataOffset, validDataBytes)
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return Frame{}, false, err
	}

	return Frame{
		TimestampNs: hdr.TimestampNs,
		Channel:     channel,
		ID:          id,
		Data:        data,
		FD:          true,
	}, true, nil
}

func skipAppText(r io.Reader, remaining uint32) error {
	hdr := make([]byte, 16) // ObjectHeader
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	fixed := make([]byte, 4+4+4+4) // source, reserved, text_length, reserved2
	if _, err := io.ReadFull(r, fixed); err != nil {
		return err
	}
	textLength := binary.LittleEndian.Uint32(fixed[8:12])
	_, err := io.CopyN(io.Discard, r, int64(textLength))
	// The trailing alignment pad is consumed by the caller's uniform
	// post-record alignment step, not here.
	return err
}

func skipUnknown(r io.Reader, objType uint32, remaining uint32) error {
	_, err := io.CopyN(io.Discard, r, int64(remaining))
	return err
}
