package wal

import (
	"bufio"
	"fmt"
	"io"
)

// ReplayCommitted replays only committed transactions, in commit order.
//
// Prepare entries accumulate per transaction until that transaction's commit
// entry is seen; the callback then receives each prepared mutation as a
// logical OpPut or OpDelete entry, in the order it was prepared. Aborted and
// unfinished transactions are discarded. Replay stops at a checkpoint marker
// or at the first torn entry.
func (w *WAL) ReplayCommitted(callback func(entry Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

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
		reader = bufio.NewReader(w.file)
	}

	pending := map[uint64][]Entry{}

loop:
	for {
		var entry Entry
		if err := w.decodeEntry(reader, &entry); err != nil {
			// A torn tail is expected after a crash; everything before it is
			// intact because commits fsync.
			break
		}

		switch entry.Type {
		case OpCheckpoint:
			break loop

		case OpPreparePut, OpPrepareDelete:
			pending[entry.TxnID] = append(pending[entry.TxnID], entry)

		case OpCommitTxn:
			for _, prepared := range pending[entry.TxnID] {
				if prepared.Type == OpPreparePut {
					prepared.Type = OpPut
				} else {
					prepared.Type = OpDelete
				}
				if err := callback(prepared); err != nil {
					return fmt.Errorf("failed to replay entry %d: %w", prepared.SeqNum, err)
				}
			}
			delete(pending, entry.TxnID)

		case OpAbortTxn:
			delete(pending, entry.TxnID)
		}
	}

	if _, err := w.file.Seek(0, 2); err != nil {
		return err
	}
	return nil
}
