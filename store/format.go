package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/x448/float16"

	"github.com/lspecian/vexfs/internal/hash"
)

// ElementType selects the on-disk encoding of vector components.
type ElementType uint8

const (
	ElementFloat32 ElementType = 1
	ElementFloat16 ElementType = 2
	ElementInt8    ElementType = 3
)

// Size returns the encoded width of one component in bytes.
func (e ElementType) Size() int {
	switch e {
	case ElementFloat32:
		return 4
	case ElementFloat16:
		return 2
	case ElementInt8:
		return 1
	default:
		return 0
	}
}

func (e ElementType) String() string {
	switch e {
	case ElementFloat32:
		return "float32"
	case ElementFloat16:
		return "float16"
	case ElementInt8:
		return "int8"
	default:
		return fmt.Sprintf("element(%d)", uint8(e))
	}
}

// Valid reports whether e names a known encoding.
func (e ElementType) Valid() bool { return e.Size() != 0 }

// ParseElementType parses an encoding name ("float32", "float16", "int8").
// The empty string parses as float32.
func ParseElementType(s string) (ElementType, error) {
	switch s {
	case "", "float32", "f32":
		return ElementFloat32, nil
	case "float16", "f16":
		return ElementFloat16, nil
	case "int8", "i8":
		return ElementInt8, nil
	default:
		return 0, fmt.Errorf("unknown element type %q", s)
	}
}

// encodeVector writes vec into dst using the element encoding. dst must be
// dimension*e.Size() bytes. Float16 and int8 are lossy by construction; int8
// components are rounded and clamped to [-127, 127].
func encodeVector(dst []byte, vec []float32, e ElementType) {
	switch e {
	case ElementFloat32:
		for i, v := range vec {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case ElementFloat16:
		for i, v := range vec {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(float16.Fromfloat32(v)))
		}
	case ElementInt8:
		for i, v := range vec {
			r := math.RoundToEven(float64(v))
			if r > 127 {
				r = 127
			} else if r < -127 {
				r = -127
			}
			dst[i] = byte(int8(r))
		}
	}
}

// decodeVector reads a vector of the given dimension out of src.
func decodeVector(src []byte, dim int, e ElementType) []float32 {
	vec := make([]float32, dim)
	switch e {
	case ElementFloat32:
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case ElementFloat16:
		for i := range vec {
			vec[i] = float16.Float16(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
	case ElementInt8:
		for i := range vec {
			vec[i] = float32(int8(src[i]))
		}
	}
	return vec
}

// Superblock is the fixed-size header at the start of a snapshot file. Its
// checksum covers every preceding header byte.
type Superblock struct {
	Version     uint16
	UUID        uuid.UUID
	Dimension   uint32
	ElementType ElementType
	Algorithm   uint8
	Metric      uint8
	Flags       uint8
	Count       uint64
	Capacity    uint64
	NextID      uint64
	RecordOff   uint64
	MetadataOff uint64
	IndexOff    uint64
	CreatedAt   int64
}

const (
	superblockMagic   = 0x53465856 // "VXFS" little-endian
	superblockVersion = 1

	// SuperblockSize is the encoded superblock length in bytes. Openers may
	// peek this many bytes to identify a snapshot before reading it.
	SuperblockSize = 4 + 2 + 16 + 4 + 1 + 1 + 1 + 1 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 4
)

// Marshal encodes the superblock, computing its trailing checksum.
func (sb *Superblock) Marshal() []byte {
	buf := make([]byte, SuperblockSize)
	binary.LittleEndian.PutUint32(buf[0:], superblockMagic)
	binary.LittleEndian.PutUint16(buf[4:], sb.Version)
	copy(buf[6:22], sb.UUID[:])
	binary.LittleEndian.PutUint32(buf[22:], sb.Dimension)
	buf[26] = uint8(sb.ElementType)
	buf[27] = sb.Algorithm
	buf[28] = sb.Metric
	buf[29] = sb.Flags
	binary.LittleEndian.PutUint64(buf[30:], sb.Count)
	binary.LittleEndian.PutUint64(buf[38:], sb.Capacity)
	binary.LittleEndian.PutUint64(buf[46:], sb.NextID)
	binary.LittleEndian.PutUint64(buf[54:], sb.RecordOff)
	binary.LittleEndian.PutUint64(buf[62:], sb.MetadataOff)
	binary.LittleEndian.PutUint64(buf[70:], sb.IndexOff)
	binary.LittleEndian.PutUint64(buf[78:], uint64(sb.CreatedAt))
	binary.LittleEndian.PutUint32(buf[86:], hash.CRC32C(buf[:86]))
	return buf
}

// UnmarshalSuperblock decodes and verifies a superblock header.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < SuperblockSize {
		return nil, fmt.Errorf("store: superblock truncated at %d bytes", len(buf))
	}
	if binary.LittleEndian.Uint32(buf[0:]) != superblockMagic {
		return nil, ErrCorrupted{Reason: "bad superblock magic"}
	}
	if got, want := hash.CRC32C(buf[:86]), binary.LittleEndian.Uint32(buf[86:]); got != want {
		return nil, ErrCorrupted{Reason: "superblock checksum mismatch"}
	}

	sb := &Superblock{
		Version:     binary.LittleEndian.Uint16(buf[4:]),
		Dimension:   binary.LittleEndian.Uint32(buf[22:]),
		ElementType: ElementType(buf[26]),
		Algorithm:   buf[27],
		Metric:      buf[28],
		Flags:       buf[29],
		Count:       binary.LittleEndian.Uint64(buf[30:]),
		Capacity:    binary.LittleEndian.Uint64(buf[38:]),
		NextID:      binary.LittleEndian.Uint64(buf[46:]),
		RecordOff:   binary.LittleEndian.Uint64(buf[54:]),
		MetadataOff: binary.LittleEndian.Uint64(buf[62:]),
		IndexOff:    binary.LittleEndian.Uint64(buf[70:]),
		CreatedAt:   int64(binary.LittleEndian.Uint64(buf[78:])),
	}
	copy(sb.UUID[:], buf[6:22])

	if sb.Version != superblockVersion {
		return nil, fmt.Errorf("store: unsupported snapshot version %d", sb.Version)
	}
	return sb, nil
}

// Attributes is the self-describing envelope around a record's metadata blob.
// Every stored blob carries enough header to be validated in isolation.
type Attributes struct {
	Version   uint16
	Dimension uint32
	Algorithm uint8
	DataType  uint8
	Flags     uint16
	Timestamp int64
	Data      []byte
}

const (
	attrMagic      = 0x52545856 // "VXTR" little-endian
	attrVersion    = 1
	attrHeaderSize = 4 + 2 + 4 + 1 + 1 + 2 + 8 + 4
)

// MarshalAttributes encodes an attribute envelope. The checksum covers the
// payload only; the header is validated structurally.
func MarshalAttributes(a *Attributes) []byte {
	buf := make([]byte, attrHeaderSize+len(a.Data))
	binary.LittleEndian.PutUint32(buf[0:], attrMagic)
	binary.LittleEndian.PutUint16(buf[4:], a.Version)
	binary.LittleEndian.PutUint32(buf[6:], a.Dimension)
	buf[10] = a.Algorithm
	buf[11] = a.DataType
	binary.LittleEndian.PutUint16(buf[12:], a.Flags)
	binary.LittleEndian.PutUint64(buf[14:], uint64(a.Timestamp))
	binary.LittleEndian.PutUint32(buf[22:], hash.CRC32C(a.Data))
	copy(buf[attrHeaderSize:], a.Data)
	return buf
}

// UnmarshalAttributes decodes and verifies an attribute envelope.
func UnmarshalAttributes(buf []byte) (*Attributes, error) {
	if len(buf) < attrHeaderSize {
		return nil, ErrCorrupted{Reason: "attribute envelope truncated"}
	}
	if binary.LittleEndian.Uint32(buf[0:]) != attrMagic {
		return nil, ErrCorrupted{Reason: "bad attribute magic"}
	}

	a := &Attributes{
		Version:   binary.LittleEndian.Uint16(buf[4:]),
		Dimension: binary.LittleEndian.Uint32(buf[6:]),
		Algorithm: buf[10],
		DataType:  buf[11],
		Flags:     binary.LittleEndian.Uint16(buf[12:]),
		Timestamp: int64(binary.LittleEndian.Uint64(buf[14:])),
		Data:      append([]byte(nil), buf[attrHeaderSize:]...),
	}
	if got, want := hash.CRC32C(a.Data), binary.LittleEndian.Uint32(buf[22:]); got != want {
		return nil, ErrCorrupted{Reason: "attribute payload checksum mismatch"}
	}
	return a, nil
}

// newAttributes wraps a metadata payload for the given store shape.
func newAttributes(dim uint32, algorithm uint8, dataType ElementType, data []byte) *Attributes {
	return &Attributes{
		Version:   attrVersion,
		Dimension: dim,
		Algorithm: algorithm,
		DataType:  uint8(dataType),
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	}
}
