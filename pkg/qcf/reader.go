package qcf

import (
	"io"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/samcharles93/quill/internal/tensor"
)

// File is an opened container. Byte slices it hands out alias the mapping
// and must not be retained after Close.
type File struct {
	Header   Header
	Sections []Section

	data    []byte
	mmapped bool
	entries []*Entry
	byName  map[string]*Entry
	meta    map[string]string
}

// Open maps path read-only and validates its structure. When mmap is
// unavailable it falls back to ReadAt-based loading.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size, err := fileSize(st.Size())
	if err != nil {
		return nil, err
	}

	if data, err := mmap(f, size); err == nil {
		qf, perr := parse(data, true)
		if perr != nil {
			_ = munmap(data)
			return nil, errors.Wrap(perr, path)
		}
		return qf, nil
	}

	data, err := readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	qf, err := parse(data, false)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return qf, nil
}

// OpenReaderAt loads and validates a container without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	n, err := fileSize(size)
	if err != nil {
		return nil, err
	}
	data, err := readAllAt(r, n)
	if err != nil {
		return nil, err
	}
	return parse(data, false)
}

func fileSize(size int64) (int, error) {
	if size < headerSize || size > int64(int(^uint(0)>>1)) {
		return 0, corrupt("file size %d", size)
	}
	return int(size), nil
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parse(data []byte, mmapped bool) (*File, error) {
	h, ok := decodeHeader(data)
	if !ok {
		return nil, corrupt("short header")
	}
	if string(h.Magic[:]) != Magic {
		return nil, ErrInvalidMagic
	}
	if h.Major != CurrentMajor {
		return nil, errors.Wrapf(ErrUnsupportedMajor, "major %d", h.Major)
	}
	if h.FileSize != uint64(len(data)) {
		return nil, corrupt("header records %d bytes, file has %d", h.FileSize, len(data))
	}
	if h.HeaderSize < headerSize || uint64(h.HeaderSize) > uint64(len(data)) {
		return nil, corrupt("header size %d", h.HeaderSize)
	}

	dirStart := h.SectionDirOffset
	dirEnd := dirStart + uint64(h.SectionCount)*sectionSize
	if dirStart < uint64(h.HeaderSize) || dirEnd < dirStart || dirEnd > uint64(len(data)) {
		return nil, corrupt("section directory [%d, %d)", dirStart, dirEnd)
	}

	sections := make([]Section, h.SectionCount)
	for i := range sections {
		start := int(dirStart) + i*sectionSize
		s, _ := decodeSection(data[start : start+sectionSize])
		end := s.End()
		switch {
		case end < s.Offset || end > uint64(len(data)):
			return nil, corrupt("section %s out of bounds", s.Type)
		case s.Offset < uint64(h.HeaderSize):
			return nil, corrupt("section %s overlaps header", s.Type)
		case rangesOverlap(s.Offset, end, dirStart, dirEnd):
			return nil, corrupt("section %s overlaps section directory", s.Type)
		case s.Offset%sectionAlign != 0:
			return nil, corrupt("section %s offset not %d-byte aligned", s.Type, sectionAlign)
		}
		sections[i] = s
	}

	qf := &File{Header: h, Sections: sections, data: data, mmapped: mmapped}
	if err := qf.load(); err != nil {
		return nil, err
	}
	return qf, nil
}

// load decodes the index, quant and meta sections and checks every tensor
// payload against the data section.
func (f *File) load() error {
	dataSec, ok := f.Section(SectionTensorData)
	if !ok {
		return corrupt("missing tensor data section")
	}
	indexSec, ok := f.Section(SectionTensorIndex)
	if !ok {
		return corrupt("missing tensor index section")
	}

	quants, err := decodeQuant(f.sectionData(SectionQuant))
	if err != nil {
		return err
	}
	entries, err := decodeIndex(f.bytes(indexSec), quants)
	if err != nil {
		return err
	}

	f.byName = make(map[string]*Entry, len(entries))
	for _, e := range entries {
		if _, dup := f.byName[e.Name]; dup {
			return corrupt("duplicate tensor %q", e.Name)
		}
		if e.DType.Size() == 0 {
			return corrupt("tensor %q has dtype %s", e.Name, e.DType)
		}
		if e.Layout > tensor.LayoutBlocked {
			return corrupt("tensor %q has layout %d", e.Name, e.Layout)
		}
		if e.Layout == tensor.LayoutBlocked && (len(e.Shape) != 4 || e.Lane == 0) {
			return corrupt("tensor %q blocked with shape %s lane %d", e.Name, e.Shape, e.Lane)
		}
		if want := uint64(e.Elements()) * uint64(e.DType.Size()); e.Size != want {
			return corrupt("tensor %q holds %d bytes, shape needs %d", e.Name, e.Size, want)
		}
		end := e.Offset + e.Size
		if end < e.Offset || e.Offset < dataSec.Offset || end > dataSec.End() {
			return corrupt("tensor %q data out of bounds", e.Name)
		}
		if f.Header.Flags&FlagDataAligned64 != 0 && e.Offset%dataAlign != 0 {
			return corrupt("tensor %q offset %d not %d-byte aligned", e.Name, e.Offset, dataAlign)
		}
		f.byName[e.Name] = e
	}
	f.entries = entries

	f.meta = map[string]string{}
	if raw := f.sectionData(SectionMeta); len(raw) > 0 {
		if err := json.Unmarshal(raw, &f.meta); err != nil {
			return corrupt("meta: %v", err)
		}
	}
	return nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = munmap(f.data)
	}
	f.data = nil
	f.entries = nil
	f.byName = nil
	f.mmapped = false
	return err
}

// Mapped reports whether the file is backed by a memory mapping.
func (f *File) Mapped() bool { return f.mmapped }

// Section returns the first section of type t.
func (f *File) Section(t SectionType) (Section, bool) {
	for _, s := range f.Sections {
		if s.Type == t {
			return s, true
		}
	}
	return Section{}, false
}

func (f *File) bytes(s Section) []byte {
	return f.data[s.Offset:s.End()]
}

func (f *File) sectionData(t SectionType) []byte {
	s, ok := f.Section(t)
	if !ok {
		return nil
	}
	return f.bytes(s)
}

// Entries lists the stored tensors in write order.
func (f *File) Entries() []*Entry {
	return slices.Clone(f.entries)
}

// Lookup finds the entry for name.
func (f *File) Lookup(name string) (*Entry, bool) {
	e, ok := f.byName[name]
	return e, ok
}

// Meta returns the key/value metadata.
func (f *File) Meta() map[string]string {
	return f.meta
}

// Raw returns the zero-copy payload of name.
func (f *File) Raw(name string) ([]byte, error) {
	e, ok := f.byName[name]
	if !ok {
		return nil, errors.Wrap(ErrTensorNotFound, name)
	}
	return f.data[e.Offset : e.Offset+e.Size], nil
}

// Tensor decodes name into a freshly allocated tensor with its quant records.
func (f *File) Tensor(name string) (*tensor.Tensor, error) {
	e, ok := f.byName[name]
	if !ok {
		return nil, errors.Wrap(ErrTensorNotFound, name)
	}
	t := &tensor.Tensor{
		DType:  e.DType,
		Shape:  e.Shape.Clone(),
		Layout: e.Layout,
		Lane:   e.Lane,
		Quant:  slices.Clone(e.Quant),
	}
	decodePayload(t, f.data[e.Offset:e.Offset+e.Size])
	if err := t.Validate(); err != nil {
		return nil, errors.Wrapf(err, "tensor %q", name)
	}
	return t, nil
}
