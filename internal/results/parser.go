package results

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// blockLines is the number of non-blank lines that follow a generation line.
const blockLines = 5

var (
	errNoQuotedValue = errors.New("no quoted value")
	errNoPrefix      = errors.New("no prefix expression between > and <")
	errIncomplete    = errors.New("incomplete block")
	errEmptyExpr     = errors.New("empty expression")
	errNonFinite     = errors.New("non-finite fitness")
)

// ParseError describes a generation block that could not be decoded. The
// block is skipped; parsing continues with the next generation.
type ParseError struct {
	WorkerID   int
	Generation int
	Block      []string
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("results: worker %d generation %d: %v (block %q)", e.WorkerID, e.Generation, e.Err, e.Block)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parser turns the text appended to a worker's result file into candidates.
//
// The stream is a sequence of blocks. Each block starts with a line holding
// only the generation number, followed by five non-blank lines:
//
//	((x1 + x2) * x1)
//	<Individual size="1" gen="12">
//	<FitnessMin value="0.25"/>
//	<Tree size="5">* + x1 x2 x1 </Tree>
//	</Individual>
//
// A Parser is stateful: it remembers every expression it has emitted and holds
// back a trailing partial line until the rest of it arrives. It is not safe for
// concurrent use.
type Parser struct {
	workerID   int
	seen       map[string]struct{}
	pending    []byte
	block      []string
	generation int
	genErr     error
	inBlock    bool
	duplicates int
}

// NewParser returns a parser for the given worker.
func NewParser(workerID int) *Parser {
	return &Parser{
		workerID: workerID,
		seen:     map[string]struct{}{},
		block:    make([]string, 0, blockLines),
	}
}

// Parse consumes newly read bytes and returns the candidates accepted from
// them, in file order. Malformed blocks are reported as *ParseError values
// joined into the returned error; the accepted candidates are valid either way.
func (p *Parser) Parse(data []byte) ([]Candidate, error) {
	p.pending = append(p.pending, data...)
	var (
		accepted []Candidate
		errs     []error
	)
	rest := p.pending
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(rest[:idx]), "\r")
		rest = rest[idx+1:]
		if cand, ok, err := p.consume(line); err != nil {
			errs = append(errs, err)
		} else if ok {
			accepted = append(accepted, cand)
		}
	}
	p.pending = append(p.pending[:0:0], rest...)
	return accepted, errors.Join(errs...)
}

// Flush treats any buffered partial line as complete. Call it once the writer
// is known to be finished, e.g. after the worker process has been stopped.
func (p *Parser) Flush() ([]Candidate, error) {
	if len(p.pending) == 0 {
		return nil, nil
	}
	line := strings.TrimRight(string(p.pending), "\r")
	p.pending = nil
	cand, ok, err := p.consume(line)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []Candidate{cand}, nil
}

// Seen reports whether expression was already emitted by this parser.
func (p *Parser) Seen(expression string) bool {
	_, ok := p.seen[expression]
	return ok
}

// SeenCount returns the number of distinct expressions emitted so far.
func (p *Parser) SeenCount() int {
	return len(p.seen)
}

// Duplicates returns how many complete blocks were dropped because their
// expression had already been emitted.
func (p *Parser) Duplicates() int {
	return p.duplicates
}

// Pending returns the number of buffered bytes that do not yet form a line.
func (p *Parser) Pending() int {
	return len(p.pending)
}

func (p *Parser) consume(line string) (Candidate, bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Candidate{}, false, nil
	}
	if isGenerationLine(trimmed) {
		var err error
		if p.inBlock && len(p.block) > 0 {
			err = p.blockError(errIncomplete)
		}
		gen, convErr := strconv.Atoi(trimmed)
		p.generation = gen
		p.genErr = nil
		if convErr != nil {
			p.generation = 0
			p.genErr = fmt.Errorf("generation line %q: %w", trimmed, convErr)
		}
		p.inBlock = true
		p.block = p.block[:0]
		return Candidate{}, false, err
	}
	if !p.inBlock {
		return Candidate{}, false, nil
	}
	p.block = append(p.block, trimmed)
	if len(p.block) < blockLines {
		return Candidate{}, false, nil
	}
	p.inBlock = false
	cand, err := p.decodeBlock()
	if p.genErr != nil {
		err = p.blockError(p.genErr)
		p.genErr = nil
	}
	p.block = p.block[:0]
	if err != nil {
		return Candidate{}, false, err
	}
	if _, dup := p.seen[cand.Expression]; dup {
		p.duplicates++
		return Candidate{}, false, nil
	}
	p.seen[cand.Expression] = struct{}{}
	return cand, true, nil
}

func (p *Parser) decodeBlock() (Candidate, error) {
	expression := p.block[0]
	if expression == "" {
		return Candidate{}, p.blockError(errEmptyExpr)
	}
	rawErr, ok := quotedValue(p.block[2])
	if !ok {
		return Candidate{}, p.blockError(fmt.Errorf("fitness line: %w", errNoQuotedValue))
	}
	fitness, err := strconv.ParseFloat(rawErr, 64)
	if err != nil {
		return Candidate{}, p.blockError(fmt.Errorf("fitness line: %w", err))
	}
	if math.IsNaN(fitness) || math.IsInf(fitness, 0) {
		return Candidate{}, p.blockError(fmt.Errorf("fitness line %q: %w", rawErr, errNonFinite))
	}
	rawSize, ok := quotedValue(p.block[3])
	if !ok {
		return Candidate{}, p.blockError(fmt.Errorf("tree line: %w", errNoQuotedValue))
	}
	size, err := strconv.Atoi(rawSize)
	if err != nil {
		return Candidate{}, p.blockError(fmt.Errorf("tree line: %w", err))
	}
	prefix, ok := between(p.block[3], '>', '<')
	if !ok {
		return Candidate{}, p.blockError(errNoPrefix)
	}
	return Candidate{
		WorkerID:   p.workerID,
		Generation: p.generation,
		Expression: expression,
		Prefix:     prefix,
		Size:       size,
		Error:      fitness,
	}, nil
}

func (p *Parser) blockError(err error) *ParseError {
	return &ParseError{
		WorkerID:   p.workerID,
		Generation: p.generation,
		Block:      append([]string(nil), p.block...),
		Err:        err,
	}
}

func isGenerationLine(line string) bool {
	for _, r := range line {
		if r < '0' || r > '9' {
			return false
		}
	}
	return line != ""
}

// quotedValue returns the content of the first single- or double-quoted
// attribute value in line.
func quotedValue(line string) (string, bool) {
	start := strings.IndexAny(line, `"'`)
	if start < 0 {
		return "", false
	}
	quote := line[start]
	end := strings.IndexByte(line[start+1:], quote)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(line[start+1 : start+1+end]), true
}

func between(line string, open, close byte) (string, bool) {
	start := strings.IndexByte(line, open)
	if start < 0 {
		return "", false
	}
	end := strings.IndexByte(line[start+1:], close)
	if end < 0 {
		return "", false
	}
	value := strings.TrimSpace(line[start+1 : start+1+end])
	return value, value != ""
}
