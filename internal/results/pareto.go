package results

import (
	"math"
	"sort"
)

// Filter reduces records to the size/error frontier: records are ordered by
// size, then error, and a record survives only if its error is strictly lower
// than every record kept before it. The result has non-decreasing size and
// strictly decreasing error. NaN errors sort after every finite error of the
// same size and never survive. The input slice is not modified.
func Filter(records []Candidate) []Candidate {
	if len(records) == 0 {
		return []Candidate{}
	}
	sorted := make([]Candidate, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Size != sorted[j].Size {
			return sorted[i].Size < sorted[j].Size
		}
		return errorLess(sorted[i].Error, sorted[j].Error)
	})
	frontier := make([]Candidate, 0, len(sorted))
	lastValid := math.Inf(1)
	for _, rec := range sorted {
		if rec.Error < lastValid {
			frontier = append(frontier, rec)
			lastValid = rec.Error
		}
	}
	return frontier
}

func errorLess(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a < b
}

// Best returns the frontier entry with the lowest error.
func Best(frontier []Candidate) (Candidate, bool) {
	if len(frontier) == 0 {
		return Candidate{}, false
	}
	best := frontier[0]
	for _, c := range frontier[1:] {
		if c.Error < best.Error {
			best = c
		}
	}
	return best, true
}
