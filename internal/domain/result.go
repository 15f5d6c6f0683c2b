package domain

// WriteResult is the outcome of a best-effort store write. Callers that
// continue after a failed write do so by inspecting it.
type WriteResult struct {
	Persisted bool
	Err       error
}

// Written is a successful WriteResult.
func Written() WriteResult { return WriteResult{Persisted: true} }

// NotWritten records a write that did not reach the store.
func NotWritten(err error) WriteResult { return WriteResult{Err: err} }

// Skipped records a write intentionally not issued, for example a
// transition out of a terminal status.
func Skipped() WriteResult { return WriteResult{} }
