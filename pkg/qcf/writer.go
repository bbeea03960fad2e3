package qcf

import (
	"errors"
	"io"
	"os"
	"sort"
	"sync"
)

const writerPadBufSize = 4096

// Writer builds a QCF file in a streaming fashion.
//
// Space for the header is reserved up-front and patched during Finalise.
// Use BeginSection for payloads that are cheaper to stream than to buffer.
type Writer struct {
	f        *os.File
	sections []Section
	seen     map[SectionType]struct{}
	open     *SectionWriter
	closed   bool

	flags  uint64
	padBuf []byte

	mu sync.Mutex
}

// SectionWriter streams a section payload directly to the underlying file.
//
// A SectionWriter must be ended (End or Close) before any other section can
// be written. Bytes written, including padding added via Align, count
// towards the section's recorded size.
type SectionWriter struct {
	w       *Writer
	typ     SectionType
	version uint32
	start   int64
	ended   bool
}

// NewWriter creates a QCF writer targeting f. The file is truncated and the
// header bytes reserved; Finalise patches them.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("qcf: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	w := &Writer{
		f:      f,
		seen:   make(map[SectionType]struct{}),
		padBuf: make([]byte, writerPadBufSize),
	}
	if err := w.writeZeros(qcfHeaderSize); err != nil {
		return nil, err
	}
	// Keep the first section aligned for consumers that cast payloads.
	if err := w.alignTo(qcfAlign); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSection writes a buffered section payload and records it in the
// section table. A section type may only be written once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("qcf: writer already finalised")
	}
	if w.open != nil {
		return errors.New("qcf: section write in progress")
	}
	if _, ok := w.seen[typ]; ok {
		return errors.New("qcf: duplicate section type")
	}

	if err := w.alignTo(qcfAlign); err != nil {
		return err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if err := writeFull(w.f, data); err != nil {
			return err
		}
	}

	w.sections = append(w.sections, Section{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(offset),
		Size:    uint64(len(data)),
	})
	w.seen[typ] = struct{}{}
	return nil
}

// BeginSection begins streaming a section payload. The returned
// SectionWriter must be ended before writing any other section.
func (w *Writer) BeginSection(typ SectionType, version uint32) (*SectionWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, errors.New("qcf: writer already finalised")
	}
	if w.open != nil {
		return nil, errors.New("qcf: section write in progress")
	}
	if _, ok := w.seen[typ]; ok {
		return nil, errors.New("qcf: duplicate section type")
	}

	if err := w.alignTo(qcfAlign); err != nil {
		return nil, err
	}
	start, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	sw := &SectionWriter{w: w, typ: typ, version: version, start: start}
	w.open = sw
	// Once bytes for a section type start flowing it cannot be undone.
	w.seen[typ] = struct{}{}
	return sw, nil
}

// CurrentAbsOffset returns the current absolute file offset. Payload
// directories record absolute offsets so readers can slice the mapping
// directly.
func (sw *SectionWriter) CurrentAbsOffset() (uint64, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return 0, err
	}
	pos, err := sw.w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return uint64(pos), nil
}

// Align writes zero padding until the file position is aligned to n bytes.
func (sw *SectionWriter) Align(n int) error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return err
	}
	return sw.w.alignTo(int64(n))
}

// Write streams p into the underlying file.
func (sw *SectionWriter) Write(p []byte) (int, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := writeFull(sw.w.f, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End finalises the section and records it in the section directory.
func (sw *SectionWriter) End() error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return err
	}
	pos, err := sw.w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos < sw.start {
		return errors.New("qcf: invalid file position")
	}

	sw.w.sections = append(sw.w.sections, Section{
		Type:    uint32(sw.typ),
		Version: sw.version,
		Offset:  uint64(sw.start),
		Size:    uint64(pos - sw.start),
	})
	sw.w.open = nil
	sw.ended = true
	return nil
}

// Close is an alias for End, allowing use with defer.
func (sw *SectionWriter) Close() error { return sw.End() }

func (sw *SectionWriter) active() error {
	if sw.ended {
		return errors.New("qcf: section writer ended")
	}
	if sw.w.open != sw {
		return errors.New("qcf: section writer not active")
	}
	return nil
}

// AddFlags ORs format-level flags into the header.
func (w *Writer) AddFlags(flags uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("qcf: writer already finalised")
	}
	w.flags |= flags
	return nil
}

// Finalise writes the section directory and patches the header. The writer
// must not be used again afterwards.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("qcf: writer already finalised")
	}
	if w.open != nil {
		return errors.New("qcf: section write in progress")
	}
	w.closed = true

	// Deterministic directory ordering.
	sort.Slice(w.sections, func(i, j int) bool {
		return w.sections[i].Type < w.sections[j].Type
	})

	if err := w.alignTo(qcfAlign); err != nil {
		return err
	}
	sectionDirOffset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	var secBuf [qcfSectionSize]byte
	for i := range w.sections {
		if !encodeSection(secBuf[:], w.sections[i]) {
			return errors.New("qcf: encode section failed")
		}
		if err := writeFull(w.f, secBuf[:]); err != nil {
			return err
		}
	}

	// The on-disk size must match header.FileSize even when the target file
	// was reused.
	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := w.f.Truncate(fileSize); err != nil {
		return err
	}

	var header Header
	copy(header.Magic[:], MagicQCF)
	header.Major = CurrentMajor
	header.Minor = CurrentMinor
	header.HeaderSize = qcfHeaderSize
	header.SectionCount = uint32(len(w.sections))
	header.SectionDirOffset = uint64(sectionDirOffset)
	header.FileSize = uint64(fileSize)
	header.Flags = w.flags

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var hdrBuf [qcfHeaderSize]byte
	if !encodeHeader(hdrBuf[:], header) {
		return errors.New("qcf: encode header failed")
	}
	if err := writeFull(w.f, hdrBuf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) alignTo(n int64) error {
	if n <= 1 {
		return nil
	}
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	mod := pos % n
	if mod == 0 {
		return nil
	}
	return w.writeZeros(int(n - mod))
}

func (w *Writer) writeZeros(n int) error {
	if n <= 0 {
		return nil
	}
	buf := w.padBuf
	if len(buf) == 0 {
		buf = make([]byte, 4096)
	}
	for n > 0 {
		chunk := min(n, len(buf))
		if err := writeFull(w.f, buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func writeFull(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
