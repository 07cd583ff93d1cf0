// Package wal provides write-ahead logging for durability and crash recovery.
//
// Mutations reach the log as transaction-scoped prepare entries followed by a
// single commit entry per transaction; the commit entry is the durability
// boundary. Recovery replays only transactions whose commit entry made it to
// disk, so a crash mid-transaction leaves no partial effect.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// FileName is the WAL file name inside the configured directory.
const FileName = "vexfs.wal"

// WAL provides write-ahead logging for durability.
type WAL struct {
	mu               sync.Mutex
	file             *os.File
	writer           io.Writer
	bufWriter        *bufio.Writer
	compressor       *zstd.Encoder
	decompressor     *zstd.Decoder
	seqNum           uint64
	maxTxnID         uint64
	filePath         string
	compressed       bool
	compressionLevel int
	dataOffset       int64 // start of entry stream, after the header

	// Auto-checkpoint tracking.
	autoCheckpointOps int
	autoCheckpointMB  int
	committedTxns     int
	checkpointFunc    func() error

	// Group commit worker lifecycle.
	durabilityMode      DurabilityMode
	groupCommitInterval time.Duration
	groupCommitMaxOps   int
	groupCommitTicker   *time.Ticker
	groupCommitStopCh   chan struct{}
	groupCommitPending  int
	groupCommitWg       sync.WaitGroup

	syncCond        *sync.Cond
	persistedSeqNum uint64
}

// FilePath returns the path to the WAL file.
func (w *WAL) FilePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filePath
}

// New creates a new WAL instance, reading back any existing log in the
// configured directory.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(opts.Path, FileName)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w := &WAL{
		file:                file,
		filePath:            filePath,
		compressionLevel:    opts.CompressionLevel,
		autoCheckpointOps:   opts.AutoCheckpointOps,
		autoCheckpointMB:    opts.AutoCheckpointMB,
		durabilityMode:      opts.DurabilityMode,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitMaxOps:   opts.GroupCommitMaxOps,
	}
	w.syncCond = sync.NewCond(&w.mu)

	if err := w.initializeFile(st, opts); err != nil {
		_ = file.Close()
		return nil, err
	}

	if _, err := w.file.Seek(w.dataOffset, 0); err != nil {
		_ = w.file.Close()
		return nil, fmt.Errorf("failed to seek WAL data offset: %w", err)
	}

	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(w.file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)
		w.writer = w.bufWriter

		decompressor, err := zstd.NewReader(nil)
		if err != nil {
			_ = compressor.Close()
			_ = file.Close()
			return nil, fmt.Errorf("failed to create decompressor: %w", err)
		}
		w.decompressor = decompressor
	} else {
		w.bufWriter = bufio.NewWriter(w.file)
		w.writer = w.bufWriter
	}

	if err := w.scanForSeqNum(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to scan WAL: %w", err)
	}

	if w.durabilityMode == DurabilityGroupCommit && w.groupCommitInterval > 0 {
		w.groupCommitStopCh = make(chan struct{})
		w.groupCommitTicker = time.NewTicker(w.groupCommitInterval)
		w.groupCommitWg.Add(1)
		go w.groupCommitWorker()
	}

	return w, nil
}

func (w *WAL) initializeFile(info os.FileInfo, opts Options) error {
	if info.Size() == 0 {
		return w.writeNewHeader(opts)
	}
	return w.readExistingHeader()
}

func (w *WAL) writeNewHeader(opts Options) error {
	hdrLen, err := writeWALHeader(w.file, walHeaderInfo{
		Compressed:       opts.Compress,
		CompressionLevel: opts.CompressionLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to write WAL header: %w", err)
	}
	w.dataOffset = hdrLen
	w.compressed = opts.Compress
	return nil
}

func (w *WAL) readExistingHeader() error {
	hdrInfo, valid, err := readWALHeader(w.file)
	if err != nil {
		return fmt.Errorf("failed to read WAL header: %w", err)
	}
	if !valid {
		return fmt.Errorf("invalid WAL header")
	}
	w.dataOffset = hdrInfo.HeaderLen
	w.compressed = hdrInfo.Compressed
	w.compressionLevel = hdrInfo.CompressionLevel
	return nil
}

// syncIfNeeded performs fsync based on the configured durability mode.
// Caller must hold w.mu.
func (w *WAL) syncIfNeeded() error {
	switch w.durabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		return w.file.Sync()

	case DurabilityGroupCommit:
		w.groupCommitPending++
		targetSeq := w.seqNum

		if w.groupCommitPending >= w.groupCommitMaxOps {
			if err := w.doGroupCommit(); err != nil {
				return err
			}
		} else {
			// Wait() releases w.mu so the background worker or another
			// committer can perform the sync.
			for w.persistedSeqNum < targetSeq {
				w.syncCond.Wait()
			}
		}
		return nil

	default:
		return nil
	}
}

// doGroupCommit performs the actual fsync and wakes waiters.
// Caller must hold w.mu.
func (w *WAL) doGroupCommit() error {
	if w.groupCommitPending == 0 {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.groupCommitPending = 0
	w.persistedSeqNum = w.seqNum
	w.syncCond.Broadcast()
	return nil
}

func (w *WAL) groupCommitWorker() {
	defer w.groupCommitWg.Done()

	if w.groupCommitTicker == nil {
		return
	}

	for {
		select {
		case <-w.groupCommitStopCh:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
			return

		case <-w.groupCommitTicker.C:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
		}
	}
}

// scanForSeqNum reads back the existing log, recording the highest sequence
// and transaction numbers. A crash can leave a torn entry at the tail; the
// intact prefix is rewritten so later appends never land behind bytes the
// next replay would stop at.
func (w *WAL) scanForSeqNum() error {
	if _, err := w.file.Seek(w.dataOffset, 0); err != nil {
		return err
	}

	var reader io.Reader
	if w.compressed {
		if err := w.decompressor.Reset(w.file); err != nil {
			return fmt.Errorf("failed to reset decompressor: %w", err)
		}
		reader = w.decompressor
	} else {
		reader = w.file
	}

	var entries []Entry
	torn := false
	for {
		var entry Entry
		if err := w.decodeEntry(reader, &entry); err != nil {
			torn = !errors.Is(err, io.EOF)
			break
		}
		if entry.SeqNum > w.seqNum {
			w.seqNum = entry.SeqNum
		}
		if entry.TxnID > w.maxTxnID {
			w.maxTxnID = entry.TxnID
		}
		entries = append(entries, entry)
	}

	if torn {
		return w.rewriteIntact(entries)
	}

	if _, err := w.file.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

// rewriteIntact truncates the file and re-encodes the cleanly decoded prefix.
// The sequence counter survives the truncation so numbering continues where
// the old log left off.
func (w *WAL) rewriteIntact(entries []Entry) error {
	seqNum := w.seqNum
	if err := w.truncate(); err != nil {
		return fmt.Errorf("failed to cut torn WAL tail: %w", err)
	}
	for i := range entries {
		if err := w.encodeEntry(&entries[i]); err != nil {
			return fmt.Errorf("failed to rewrite WAL entry: %w", err)
		}
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.seqNum = seqNum
	return nil
}

// MaxTxnID returns the highest transaction id observed in the log at open,
// committed or not. Transaction ids issued after recovery must start above it.
func (w *WAL) MaxTxnID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxTxnID
}

// LogPreparePut writes a prepare entry for a put. Prepare entries are not
// durability boundaries; the transaction's commit entry is.
func (w *WAL) LogPreparePut(txnID uint64, collection string, id uint64, vector []float32, metadata []byte, overwrite bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	entry := Entry{
		Type:       OpPreparePut,
		TxnID:      txnID,
		Collection: collection,
		ID:         id,
		Vector:     vector,
		Metadata:   metadata,
		Overwrite:  overwrite,
		SeqNum:     w.seqNum,
	}
	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}
	return nil
}

// LogPrepareDelete writes a prepare entry for a delete.
func (w *WAL) LogPrepareDelete(txnID uint64, collection string, id uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	entry := Entry{
		Type:       OpPrepareDelete,
		TxnID:      txnID,
		Collection: collection,
		ID:         id,
		SeqNum:     w.seqNum,
	}
	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}
	return nil
}

// LogCommit writes the transaction's commit entry and makes it durable
// according to the durability mode.
func (w *WAL) LogCommit(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	entry := Entry{Type: OpCommitTxn, TxnID: txnID, SeqNum: w.seqNum}
	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode WAL commit entry: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.committedTxns++
	if err := w.syncCommitLocked(); err != nil {
		return err
	}
	return w.maybeCheckpointLocked()
}

// LogAbort writes the transaction's abort entry. Aborts need no fsync; an
// abort that never reaches disk is indistinguishable from a crash before
// commit, and both discard the transaction on replay.
func (w *WAL) LogAbort(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	entry := Entry{Type: OpAbortTxn, TxnID: txnID, SeqNum: w.seqNum}
	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode WAL abort entry: %w", err)
	}
	return w.flushLocked()
}

// Checkpoint writes a checkpoint marker and truncates the WAL. Called after
// a successful snapshot.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	entry := Entry{Type: OpCheckpoint, SeqNum: w.seqNum}
	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	// Checkpoint is an explicit durability boundary.
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.truncate()
}

// truncate resets the WAL file after a checkpoint.
func (w *WAL) truncate() error {
	if w.bufWriter != nil {
		if err := w.bufWriter.Flush(); err != nil {
			return fmt.Errorf("failed to flush buffer: %w", err)
		}
	}
	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600) //nolint:gosec // G304
	if err != nil {
		return fmt.Errorf("failed to truncate WAL file: %w", err)
	}
	w.file = file

	hdrLen, err := writeWALHeader(w.file, walHeaderInfo{
		Compressed:       w.compressed,
		CompressionLevel: w.compressionLevel,
	})
	if err != nil {
		_ = w.file.Close()
		return err
	}
	w.dataOffset = hdrLen
	if _, err := w.file.Seek(w.dataOffset, 0); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("failed to seek WAL data offset: %w", err)
	}

	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to recreate compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)
		w.writer = w.bufWriter
	} else {
		w.bufWriter = bufio.NewWriter(file)
		w.writer = w.bufWriter
	}

	w.seqNum = 0
	return nil
}

// Close stops the group commit worker, flushes pending entries, and closes
// the file. Idempotent.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	if w.groupCommitTicker != nil {
		close(w.groupCommitStopCh)
		w.mu.Unlock()
		w.groupCommitWg.Wait()
		w.mu.Lock()
		w.groupCommitTicker.Stop()
		w.groupCommitTicker = nil
	}

	if w.bufWriter != nil {
		if err := w.bufWriter.Flush(); err != nil {
			return fmt.Errorf("failed to flush buffer: %w", err)
		}
	}
	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}
	if w.decompressor != nil {
		w.decompressor.Close()
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// Len returns the number of entries in the WAL. Used by stats and tests.
func (w *WAL) Len() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	currentPos, err := w.file.Seek(0, 1)
	if err != nil {
		return 0, err
	}
	if _, err := w.file.Seek(w.dataOffset, 0); err != nil {
		return 0, err
	}

	var reader io.Reader
	if w.compressed {
		if err := w.decompressor.Reset(w.file); err != nil {
			return 0, fmt.Errorf("failed to reset decompressor: %w", err)
		}
		reader = w.decompressor
	} else {
		reader = bufio.NewReader(w.file)
	}

	count := 0
	for {
		var entry Entry
		if err := w.decodeEntry(reader, &entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			break
		}
		count++
	}

	if _, err := w.file.Seek(currentPos, 0); err != nil {
		return count, err
	}
	return count, nil
}

// SetCheckpointCallback sets the function invoked when an auto-checkpoint
// threshold is crossed, typically the engine's snapshot routine.
func (w *WAL) SetCheckpointCallback(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpointFunc = fn
}

// maybeCheckpointLocked triggers the checkpoint callback when a threshold is
// exceeded. Caller must hold w.mu.
func (w *WAL) maybeCheckpointLocked() error {
	if w.autoCheckpointOps > 0 && w.committedTxns >= w.autoCheckpointOps {
		return w.triggerAutoCheckpointLocked()
	}

	if w.autoCheckpointMB > 0 {
		stat, err := w.file.Stat()
		if err == nil {
			sizeMB := stat.Size() / (1024 * 1024)
			if sizeMB >= int64(w.autoCheckpointMB) {
				return w.triggerAutoCheckpointLocked()
			}
		}
	}
	return nil
}

func (w *WAL) triggerAutoCheckpointLocked() error {
	if w.checkpointFunc == nil {
		return nil
	}
	w.committedTxns = 0

	// The callback takes engine locks of its own, so release ours first.
	w.mu.Unlock()
	err := w.checkpointFunc()
	w.mu.Lock()
	return err
}
