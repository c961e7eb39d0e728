package pool

import (
	"sync"

	"github.com/kingrea/srdesk/internal/results"
)

// WorkerState is the per-worker bookkeeping the aggregator maintains: how far
// the result file has been consumed, the parser holding the seen-expression
// set and the accepted candidates in arrival order. Only the worker's own
// aggregation writes it; frontier queries read it concurrently.
type WorkerState struct {
	ID int

	mu         sync.RWMutex
	offset     int64
	parser     *results.Parser
	candidates []results.Candidate
}

func newWorkerState(id int) *WorkerState {
	return &WorkerState{ID: id, parser: results.NewParser(id)}
}

// Offset returns the number of result-file bytes already consumed.
func (w *WorkerState) Offset() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.offset
}

// Candidates returns a copy of every accepted candidate.
func (w *WorkerState) Candidates() []results.Candidate {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]results.Candidate(nil), w.candidates...)
}

// Len returns the number of accepted candidates.
func (w *WorkerState) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.candidates)
}

// Seen reports whether expr was already accepted for this worker.
func (w *WorkerState) Seen(expr string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.parser.Seen(expr)
}

// SeenCount returns the size of the seen-expression set.
func (w *WorkerState) SeenCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.parser.SeenCount()
}

// Duplicates returns how many re-emitted expressions were dropped.
func (w *WorkerState) Duplicates() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.parser.Duplicates()
}

// ingest advances the offset and parses data. When final is set the parser's
// partial trailing line is flushed as well.
func (w *WorkerState) ingest(data []byte, offset int64, final bool) ([]results.Candidate, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.offset = offset
	var (
		accepted []results.Candidate
		errs     []error
	)
	if len(data) > 0 {
		got, err := w.parser.Parse(data)
		accepted = append(accepted, got...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if final {
		got, err := w.parser.Flush()
		accepted = append(accepted, got...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	w.candidates = append(w.candidates, accepted...)
	return accepted, joinErrors(errs)
}

func (w *WorkerState) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.offset = 0
	w.parser = results.NewParser(w.ID)
	w.candidates = nil
}
