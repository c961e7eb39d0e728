// Package results reads, parses and ranks the generation records that the
// search executable appends to its result file.
package results

import "fmt"

// Candidate is one evaluated expression reported by a worker.
type Candidate struct {
	WorkerID   int     `json:"worker_id"`
	Generation int     `json:"generation"`
	Expression string  `json:"expression"`
	Prefix     string  `json:"prefix"`
	Size       int     `json:"size"`
	Error      float64 `json:"error"`
}

// String renders a compact single-line description.
func (c Candidate) String() string {
	return fmt.Sprintf("gen %d size %d error %g: %s", c.Generation, c.Size, c.Error, c.Expression)
}
