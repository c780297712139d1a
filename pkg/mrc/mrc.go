// Package mrc reads and writes MRC2014 image stacks and density maps.
// Format reference: https://www.ccpem.ac.uk/mrc_format/mrc2014.php
package mrc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Data modes supported by the reader
const (
	ModeInt8    int32 = 0
	ModeInt16   int32 = 1
	ModeFloat32 int32 = 2
	ModeUint16  int32 = 6
)

// HeaderSize is the fixed size of the main MRC header in bytes
const HeaderSize = 1024

// Header is the 1024-byte main header, laid out exactly as on disk.
type Header struct {
	Nx, Ny, Nz                int32 // Columns, rows, sections
	Mode                      int32 // Data type of each value
	NxStart, NyStart, NzStart int32
	Mx, My, Mz                int32      // Sampling along each axis
	CellA                     [3]float32 // Cell dimensions in Angstrom
	CellB                     [3]float32 // Cell angles in degrees
	MapC, MapR, MapS          int32      // Axis order: 1,2,3 = x,y,z
	DMin, DMax, DMean         float32
	ISPG                      int32 // Space group, 0 for image stacks, 1 for volumes
	NSymBT                    int32 // Extended header size in bytes
	Extra                     [100]byte
	Origin                    [3]float32
	Map                       [4]byte // "MAP "
	MachST                    [4]byte // Machine stamp
	RMS                       float32
	NLabl                     int32
	Labels                    [800]byte
}

// NewHeader builds a float32 header for an nx x ny x nz array with pixel size apix.
func NewHeader(nx, ny, nz int, apix float64, isVolume bool) *Header {
	h := &Header{
		Nx: int32(nx), Ny: int32(ny), Nz: int32(nz),
		Mode: ModeFloat32,
		Mx:   int32(nx), My: int32(ny), Mz: int32(nz),
		CellA: [3]float32{float32(apix) * float32(nx), float32(apix) * float32(ny), float32(apix) * float32(nz)},
		CellB: [3]float32{90, 90, 90},
		MapC:  1, MapR: 2, MapS: 3,
		Map:    [4]byte{'M', 'A', 'P', ' '},
		MachST: [4]byte{0x44, 0x44, 0x00, 0x00},
	}
	if isVolume {
		h.ISPG = 1
	}
	// nversion, bytes 108..111 of the header
	binary.LittleEndian.PutUint32(h.Extra[12:16], 20140)
	return h
}

// Apix returns the pixel size along x recorded in the header, 1.0 if unset.
func (h *Header) Apix() float64 {
	if h.Mx <= 0 || h.CellA[0] <= 0 {
		return 1.0
	}
	return float64(h.CellA[0]) / float64(h.Mx)
}

// SetStats records density statistics in the header.
func (h *Header) SetStats(min, max, mean, rms float64) {
	h.DMin = float32(min)
	h.DMax = float32(max)
	h.DMean = float32(mean)
	h.RMS = float32(rms)
}

func (h *Header) byteOrder() binary.ByteOrder {
	if h.MachST[0] == 0x11 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (h *Header) valueSize() (int, error) {
	switch h.Mode {
	case ModeInt8:
		return 1, nil
	case ModeInt16, ModeUint16:
		return 2, nil
	case ModeFloat32:
		return 4, nil
	default:
		return 0, fmt.Errorf("unsupported mrc data mode %d", h.Mode)
	}
}

// ReadHeader decodes the main header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read mrc header: %w", err)
	}

	// The machine stamp sits at a fixed offset, before we know the byte order.
	var order binary.ByteOrder = binary.LittleEndian
	if buf[212] == 0x11 {
		order = binary.BigEndian
	}

	var h Header
	if err := binary.Read(bytes.NewReader(buf), order, &h); err != nil {
		return nil, fmt.Errorf("failed to decode mrc header: %w", err)
	}
	if h.Nx <= 0 || h.Ny <= 0 || h.Nz <= 0 {
		return nil, fmt.Errorf("invalid mrc dimensions %dx%dx%d", h.Nx, h.Ny, h.Nz)
	}
	if _, err := h.valueSize(); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stack gives random access to the sections of an MRC file without loading it.
type Stack struct {
	Header *Header
	Path   string

	file   *os.File
	offset int64
	size   int
}

// Open opens an MRC file for section-wise reading.
func Open(path string) (*Stack, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	h, err := ReadHeader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	size, _ := h.valueSize()

	return &Stack{
		Header: h,
		Path:   path,
		file:   file,
		offset: HeaderSize + int64(h.NSymBT),
		size:   size,
	}, nil
}

// Len returns the number of sections (images) in the stack
func (s *Stack) Len() int {
	return int(s.Header.Nz)
}

// Image reads section i as float64 values in row-major (y, x) order.
// It is safe for concurrent use.
func (s *Stack) Image(i int) ([]float64, error) {
	if i < 0 || i >= s.Len() {
		return nil, fmt.Errorf("image %d out of range for stack of %d", i, s.Len())
	}

	n := int(s.Header.Nx) * int(s.Header.Ny)
	buf := make([]byte, n*s.size)
	off := s.offset + int64(i)*int64(len(buf))
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("failed to read image %d from %s: %w", i, s.Path, err)
	}

	return decode(buf, s.Header.Mode, s.Header.byteOrder(), n), nil
}

// Close releases the underlying file
func (s *Stack) Close() error {
	return s.file.Close()
}

func decode(buf []byte, mode int32, order binary.ByteOrder, n int) []float64 {
	out := make([]float64, n)
	switch mode {
	case ModeInt8:
		for i := range out {
			out[i] = float64(int8(buf[i]))
		}
	case ModeInt16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(buf[2*i:])))
		}
	case ModeUint16:
		for i := range out {
			out[i] = float64(order.Uint16(buf[2*i:]))
		}
	case ModeFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		}
	}
	return out
}

// Write stores float32 data under header h, creating the parent directory if needed.
func Write(path string, h *Header, data []float32) error {
	want := int(h.Nx) * int(h.Ny) * int(h.Nz)
	if len(data) != want {
		return fmt.Errorf("data has %d values, header describes %d", len(data), want)
	}
	if h.Mode != ModeFloat32 {
		return fmt.Errorf("only float32 output is supported, header mode is %d", h.Mode)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create mrc file: %w", err)
	}
	defer file.Close()

	hdr := *h
	hdr.NSymBT = 0
	hdr.MachST = [4]byte{0x44, 0x44, 0x00, 0x00}

	var buf bytes.Buffer
	buf.Grow(HeaderSize + 4*len(data))
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to encode mrc header: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("failed to encode mrc data: %w", err)
	}

	if _, err := file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write mrc file: %w", err)
	}
	return file.Close()
}

// ReadAll loads a whole MRC file as float64 values with its header.
func ReadAll(path string) (*Header, []float64, error) {
	s, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()

	n := int(s.Header.Nx) * int(s.Header.Ny)
	out := make([]float64, 0, n*s.Len())
	for i := 0; i < s.Len(); i++ {
		img, err := s.Image(i)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, img...)
	}
	return s.Header, out, nil
}
