package qcf

import (
	"io"
	"math"
	"os"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
)

const writerPadBufSize = 4096

// Writer builds a QCF file in a streaming fashion. Tensor payloads go to
// disk as they are added; the index, quant records, metadata and section
// directory are written by Finalise, which also patches the header.
type Writer struct {
	f         *os.File
	dataStart int64
	entries   []*Entry
	names     map[string]struct{}
	records   []quant.Info
	meta      map[string]string
	closed    bool
	padBuf    []byte

	mu sync.Mutex
}

// Create truncates or creates path and returns a writer that owns the file;
// Close finalises and closes it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter truncates f and reserves the header.
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
		names:  make(map[string]struct{}),
		meta:   make(map[string]string),
		padBuf: make([]byte, writerPadBufSize),
	}
	if err := w.writeZeros(headerSize); err != nil {
		return nil, err
	}
	if err := w.alignTo(dataAlign); err != nil {
		return nil, err
	}
	start, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	w.dataStart = start
	return w, nil
}

// WriteTensor appends t under name. Names are unique within a file.
func (w *Writer) WriteTensor(name string, t *tensor.Tensor) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("qcf: writer already finalised")
	}
	if name == "" || len(name) > maxNameLen {
		return errors.Errorf("qcf: invalid tensor name length %d", len(name))
	}
	if _, ok := w.names[name]; ok {
		return errors.Errorf("qcf: duplicate tensor %q", name)
	}
	if err := t.Validate(); err != nil {
		return errors.Wrapf(err, "qcf: tensor %q", name)
	}
	if t.Lane > math.MaxUint16 {
		return errors.Errorf("qcf: tensor %q lane %d too wide", name, t.Lane)
	}
	for i, q := range t.Quant {
		if err := q.Validate(); err != nil {
			return errors.Wrapf(err, "qcf: tensor %q quant record %d", name, i)
		}
	}

	if err := w.alignTo(dataAlign); err != nil {
		return err
	}
	off, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	payload := encodePayload(t)
	if err := writeFull(w.f, payload); err != nil {
		return errors.Wrapf(err, "qcf: write tensor %q", name)
	}

	e := &Entry{
		Name:       name,
		DType:      t.DType,
		Layout:     t.Layout,
		Lane:       t.Lane,
		Shape:      t.Shape.Clone(),
		Offset:     uint64(off),
		Size:       uint64(len(payload)),
		Quant:      slices.Clone(t.Quant),
		quantFirst: uint32(len(w.records)),
	}
	w.records = append(w.records, t.Quant...)
	w.entries = append(w.entries, e)
	w.names[name] = struct{}{}
	return nil
}

// SetMeta records a free-form key/value pair stored as JSON.
func (w *Writer) SetMeta(key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("qcf: writer already finalised")
	}
	w.meta[key] = value
	return nil
}

// Finalise writes the trailing sections, the directory and the header.
// The writer must not be used afterwards.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("qcf: writer already finalised")
	}
	w.closed = true

	end, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	sections := []Section{{
		Type:    SectionTensorData,
		Version: 1,
		Offset:  uint64(w.dataStart),
		Size:    uint64(end - w.dataStart),
	}}

	meta, err := json.Marshal(w.meta)
	if err != nil {
		return errors.Wrap(err, "qcf: encode meta")
	}
	trailing := []struct {
		typ     SectionType
		version uint32
		data    []byte
	}{
		{SectionTensorIndex, indexVersion, encodeIndex(w.entries)},
		{SectionQuant, quantVersion, encodeQuant(w.records)},
		{SectionMeta, metaVersion, meta},
	}
	for _, s := range trailing {
		sec, err := w.writeSection(s.typ, s.version, s.data)
		if err != nil {
			return errors.Wrapf(err, "qcf: write %s section", s.typ)
		}
		sections = append(sections, sec)
	}

	slices.SortFunc(sections, func(a, b Section) int { return int(a.Type) - int(b.Type) })
	if err := w.alignTo(sectionAlign); err != nil {
		return err
	}
	dirOffset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	var secBuf [sectionSize]byte
	for _, s := range sections {
		encodeSection(secBuf[:], s)
		if err := writeFull(w.f, secBuf[:]); err != nil {
			return err
		}
	}

	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := w.f.Truncate(fileSize); err != nil {
		return err
	}

	var h Header
	copy(h.Magic[:], Magic)
	h.Major = CurrentMajor
	h.Minor = CurrentMinor
	h.HeaderSize = headerSize
	h.SectionCount = uint32(len(sections))
	h.SectionDirOffset = uint64(dirOffset)
	h.FileSize = uint64(fileSize)
	h.Flags = FlagDataAligned64

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var hdrBuf [headerSize]byte
	encodeHeader(hdrBuf[:], h)
	if err := writeFull(w.f, hdrBuf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close finalises the file if needed and closes it.
func (w *Writer) Close() error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()

	if !closed {
		if err := w.Finalise(); err != nil {
			_ = w.f.Close()
			return err
		}
	}
	return w.f.Close()
}

func (w *Writer) writeSection(typ SectionType, version uint32, data []byte) (Section, error) {
	if err := w.alignTo(sectionAlign); err != nil {
		return Section{}, err
	}
	off, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return Section{}, err
	}
	if err := writeFull(w.f, data); err != nil {
		return Section{}, err
	}
	return Section{Type: typ, Version: version, Offset: uint64(off), Size: uint64(len(data))}, nil
}

func (w *Writer) alignTo(n int64) error {
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if mod := pos % n; mod != 0 {
		return w.writeZeros(int(n - mod))
	}
	return nil
}

func (w *Writer) writeZeros(n int) error {
	for n > 0 {
		k := min(n, len(w.padBuf))
		if err := writeFull(w.f, w.padBuf[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

func writeFull(f io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
