package vexfs

// Close shuts the engine down: active transactions are aborted, a final
// snapshot is written (unless disabled), and the WAL and collection stores
// are closed. The engine rejects all operations afterwards.
func (e *Engine) Close() error {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.txns.Close()
	e.pool.Close()

	var firstErr error
	if e.opts.snapshotOnClose {
		if err := e.checkpoint(); err != nil {
			firstErr = err
		}
	}
	if e.wal != nil {
		if err := e.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.coord.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return translateError(firstErr)
}
