package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unsafe"
)

// maxCollectionLen bounds the collection-name field so a corrupt length
// prefix cannot drive an unbounded allocation during replay.
const maxCollectionLen = 1 << 16

// encodeEntry writes an entry in binary format.
// Format: [Type:1][SeqNum:8][TxnID:8] then for prepare entries
// [CollectionLen:2][Collection:N][ID:8] and for OpPreparePut additionally
// [Overwrite:1][VectorLen:4][Vector:N*4][MetadataLen:4][Metadata:N].
func (w *WAL) encodeEntry(entry *Entry) error {
	if entry.Type == OpPut || entry.Type == OpDelete {
		return fmt.Errorf("unsupported on-disk WAL entry type: %v", entry.Type)
	}

	if err := binary.Write(w.writer, binary.LittleEndian, entry.Type); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, entry.SeqNum); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, entry.TxnID); err != nil {
		return err
	}

	if entry.Type != OpPreparePut && entry.Type != OpPrepareDelete {
		return nil
	}

	if len(entry.Collection) > maxCollectionLen {
		return fmt.Errorf("collection name exceeds %d bytes", maxCollectionLen)
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint16(len(entry.Collection))); err != nil {
		return err
	}
	if _, err := io.WriteString(w.writer, entry.Collection); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, entry.ID); err != nil {
		return err
	}

	if entry.Type != OpPreparePut {
		return nil
	}

	overwrite := uint8(0)
	if entry.Overwrite {
		overwrite = 1
	}
	if err := binary.Write(w.writer, binary.LittleEndian, overwrite); err != nil {
		return err
	}

	vectorLen := uint32(len(entry.Vector)) //nolint:gosec
	if err := binary.Write(w.writer, binary.LittleEndian, vectorLen); err != nil {
		return err
	}
	if vectorLen > 0 {
		// Zero-copy view of the float32 slice.
		byteSlice := unsafe.Slice((*byte)(unsafe.Pointer(&entry.Vector[0])), vectorLen*4) //nolint:gosec
		if _, err := w.writer.Write(byteSlice); err != nil {
			return err
		}
	}

	metadataLen := uint32(len(entry.Metadata)) //nolint:gosec
	if err := binary.Write(w.writer, binary.LittleEndian, metadataLen); err != nil {
		return err
	}
	if metadataLen > 0 {
		if _, err := w.writer.Write(entry.Metadata); err != nil {
			return err
		}
	}

	return nil
}

// tornEOF converts a clean EOF into ErrUnexpectedEOF. Past an entry's first
// field, running out of bytes means the entry was torn mid-write; only an EOF
// on the very first field marks the end of the stream.
func tornEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// decodeEntry reads an entry in binary format. A clean end of stream returns
// io.EOF; any other error marks a torn or corrupt entry.
func (w *WAL) decodeEntry(reader io.Reader, entry *Entry) error {
	if err := binary.Read(reader, binary.LittleEndian, &entry.Type); err != nil {
		return err
	}
	if entry.Type == OpPut || entry.Type == OpDelete {
		return fmt.Errorf("unexpected logical WAL entry type: %v", entry.Type)
	}
	if err := binary.Read(reader, binary.LittleEndian, &entry.SeqNum); err != nil {
		return tornEOF(err)
	}
	if err := binary.Read(reader, binary.LittleEndian, &entry.TxnID); err != nil {
		return tornEOF(err)
	}

	if entry.Type != OpPreparePut && entry.Type != OpPrepareDelete {
		return nil
	}

	var nameLen uint16
	if err := binary.Read(reader, binary.LittleEndian, &nameLen); err != nil {
		return tornEOF(err)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(reader, name); err != nil {
		return tornEOF(err)
	}
	entry.Collection = string(name)
	if err := binary.Read(reader, binary.LittleEndian, &entry.ID); err != nil {
		return tornEOF(err)
	}

	if entry.Type != OpPreparePut {
		return nil
	}

	var overwrite uint8
	if err := binary.Read(reader, binary.LittleEndian, &overwrite); err != nil {
		return tornEOF(err)
	}
	entry.Overwrite = overwrite != 0

	var vectorLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &vectorLen); err != nil {
		return tornEOF(err)
	}
	if vectorLen > 0 {
		entry.Vector = make([]float32, vectorLen)
		byteSlice := unsafe.Slice((*byte)(unsafe.Pointer(&entry.Vector[0])), vectorLen*4) //nolint:gosec
		if _, err := io.ReadFull(reader, byteSlice); err != nil {
			return tornEOF(err)
		}
	}

	var metadataLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &metadataLen); err != nil {
		return tornEOF(err)
	}
	if metadataLen > 0 {
		entry.Metadata = make([]byte, metadataLen)
		if _, err := io.ReadFull(reader, entry.Metadata); err != nil {
			return tornEOF(err)
		}
	}

	return nil
}

func (w *WAL) flushLocked() error {
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if w.compressed {
		if err := w.compressor.Flush(); err != nil {
			return fmt.Errorf("failed to flush compressor: %w", err)
		}
	}
	return nil
}

func (w *WAL) syncCommitLocked() error {
	// Commit is an explicit durability boundary; how it reaches disk depends
	// on the durability mode.
	return w.syncIfNeeded()
}
