package results

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(gen int, expr string, fitness string, size int, prefix string) string {
	return fmt.Sprintf("%d\n%s\n<Individual size=\"1\" gen=\"%d\">\n\t<FitnessMin value=\"%s\"/>\n\t<Tree size=\"%d\">%s </Tree>\n</Individual>\n",
		gen, expr, gen, fitness, size, prefix)
}

func appendFile(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestReadNewMissingFile(t *testing.T) {
	data, offset, err := ReadNew(filepath.Join(t.TempDir(), "absent.txt"), 42)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Zero(t, offset)
}

func TestReadNewNoGrowthAndTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best.txt")
	appendFile(t, path, "hello\n")

	data, offset, err := ReadNew(path, 6)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.EqualValues(t, 6, offset)

	require.NoError(t, os.Truncate(path, 2))
	data, offset, err = ReadNew(path, 6)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.EqualValues(t, 6, offset)
}

func TestReadNewConcatenationMatchesFullRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best.txt")
	rng := rand.New(rand.NewSource(7))
	var (
		collected []byte
		offset    int64
	)
	for i := 0; i < 40; i++ {
		chunk := strings.Repeat(string(rune('a'+rng.Intn(26))), rng.Intn(17))
		if chunk != "" {
			appendFile(t, path, chunk)
		}
		if rng.Intn(3) == 0 {
			continue
		}
		data, next, err := ReadNew(path, offset)
		require.NoError(t, err)
		collected = append(collected, data...)
		offset = next
	}
	data, next, err := ReadNew(path, offset)
	require.NoError(t, err)
	collected = append(collected, data...)

	full, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(full), string(collected))
	assert.EqualValues(t, len(full), next)
}

func TestParserTwoBlockScenario(t *testing.T) {
	p := NewParser(1)
	text := block(1, "x1", "2.5", 3, "x1") + block(2, "x1+x2", "1.0", 5, "+ x1 x2")
	got, err := p.Parse([]byte(text))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, Candidate{WorkerID: 1, Generation: 1, Expression: "x1", Prefix: "x1", Size: 3, Error: 2.5}, got[0])
	assert.Equal(t, 5, got[1].Size)
	assert.Equal(t, 1.0, got[1].Error)
	assert.Equal(t, "+ x1 x2", got[1].Prefix)

	frontier := Filter(got)
	require.Len(t, frontier, 2)
	assert.Equal(t, "x1", frontier[0].Expression)
	assert.Equal(t, "x1+x2", frontier[1].Expression)
}

func TestParserDropsRepeatedExpression(t *testing.T) {
	p := NewParser(0)
	b := block(4, "(x1 * x1)", "0.5", 3, "* x1 x1")
	first, err := p.Parse([]byte(b))
	require.NoError(t, err)
	second, err := p.Parse([]byte(b))
	require.NoError(t, err)

	assert.Len(t, first, 1)
	assert.Empty(t, second)
	assert.Equal(t, 1, p.SeenCount())
	assert.Equal(t, 1, p.Duplicates())
}

func TestParserFirstSeenWins(t *testing.T) {
	p := NewParser(0)
	text := block(1, "sin(x1)", "3.0", 2, "sin x1") +
		block(2, "cos(x1)", "2.0", 2, "cos x1") +
		block(3, "sin(x1)", "0.1", 2, "sin x1")
	got, err := p.Parse([]byte(text))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Generation)
	assert.Equal(t, 3.0, got[0].Error)
}

func TestParserBuffersSplitLines(t *testing.T) {
	text := block(1, "x1", "2.5", 3, "x1") + block(2, "(x1 + x2)", "1.25", 5, "+ x1 x2")
	for cut := 1; cut < len(text); cut++ {
		p := NewParser(0)
		first, err := p.Parse([]byte(text[:cut]))
		require.NoError(t, err, "cut %d", cut)
		second, err := p.Parse([]byte(text[cut:]))
		require.NoError(t, err, "cut %d", cut)
		all := append(first, second...)
		require.Len(t, all, 2, "cut %d", cut)
		assert.Equal(t, 1.25, all[1].Error, "cut %d", cut)
		assert.Zero(t, p.Pending(), "cut %d", cut)
	}
}

func TestParserFlushCompletesUnterminatedLine(t *testing.T) {
	text := strings.TrimSuffix(block(9, "x2", "0.75", 1, "x2"), "\n")
	p := NewParser(0)
	got, err := p.Parse([]byte(text))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotZero(t, p.Pending())

	flushed, err := p.Flush()
	require.NoError(t, err)
	require.Len(t, flushed, 1)
	assert.Equal(t, 9, flushed[0].Generation)
}

func TestParserSkipsMalformedBlock(t *testing.T) {
	bad := "2\nx1\n<Individual>\n<FitnessMin value=\"abc\"/>\n<Tree size=\"3\">x1 </Tree>\n</Individual>\n"
	text := block(1, "x2", "4", 1, "x2") + bad + block(3, "x1", "1", 1, "x1")
	p := NewParser(5)
	got, err := p.Parse([]byte(text))
	require.Error(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "x1", got[1].Expression)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 5, perr.WorkerID)
	assert.Equal(t, 2, perr.Generation)
	assert.Len(t, perr.Block, 5)
	assert.False(t, p.Seen("never"))
	assert.True(t, p.Seen("x1"))
}

func TestParserReportsIncompleteBlock(t *testing.T) {
	text := "1\nx1\n<Individual>\n" + block(2, "x2", "1", 1, "x2")
	p := NewParser(0)
	got, err := p.Parse([]byte(text))
	require.Error(t, err)
	assert.ErrorIs(t, err, errIncomplete)
	require.Len(t, got, 1)
	assert.Equal(t, "x2", got[0].Expression)
}

func TestParserRejectsNonFiniteFitness(t *testing.T) {
	text := block(1, "x1", "1.0", 1, "x1") + block(2, "x2", "nan", 1, "x2") +
		block(3, "x4", "+Inf", 1, "x4") + block(4, "x3", "0.5", 1, "x3")
	p := NewParser(2)
	got, err := p.Parse([]byte(text))
	require.Error(t, err)
	assert.ErrorIs(t, err, errNonFinite)
	require.Len(t, got, 2)
	assert.False(t, p.Seen("x2"))

	frontier := Filter(got)
	require.Len(t, frontier, 1)
	assert.Equal(t, "x3", frontier[0].Expression)
}

func TestParserReportsOversizedGeneration(t *testing.T) {
	text := "99999999999999999999999\nx1\n<Individual>\n<FitnessMin value=\"1\"/>\n<Tree size=\"1\">x1 </Tree>\n</Individual>\n" +
		block(2, "x2", "2", 1, "x2")
	p := NewParser(0)
	got, err := p.Parse([]byte(text))
	require.Error(t, err)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Error(), "99999999999999999999999")
	require.Len(t, got, 1)
	assert.Equal(t, "x2", got[0].Expression)
	assert.Equal(t, 2, got[0].Generation)
	assert.False(t, p.Seen("x1"))
}

func TestParserIgnoresPreamble(t *testing.T) {
	p := NewParser(0)
	got, err := p.Parse([]byte("ECF started\n\n" + block(1, "x1", "1", 1, "x1")))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFilterMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	records := make([]Candidate, 200)
	for i := range records {
		records[i] = Candidate{Size: 1 + rng.Intn(20), Error: float64(rng.Intn(50)) / 7}
	}
	frontier := Filter(records)
	require.NotEmpty(t, frontier)
	for i := 1; i < len(frontier); i++ {
		assert.LessOrEqual(t, frontier[i-1].Size, frontier[i].Size)
		assert.Greater(t, frontier[i-1].Error, frontier[i].Error)
	}
}

func TestFilterOrdersNaNLast(t *testing.T) {
	records := []Candidate{
		{Expression: "x1", Size: 1, Error: 1},
		{Expression: "x2", Size: 1, Error: math.NaN()},
		{Expression: "x3", Size: 1, Error: 0.5},
		{Expression: "x4", Size: 3, Error: math.NaN()},
	}
	frontier := Filter(records)
	require.Len(t, frontier, 1)
	assert.Equal(t, "x3", frontier[0].Expression)
}

func TestFilterExcludesTiesAndEmpty(t *testing.T) {
	assert.Empty(t, Filter(nil))
	records := []Candidate{
		{Expression: "c", Size: 4, Error: 1},
		{Expression: "a", Size: 2, Error: 1},
		{Expression: "b", Size: 2, Error: 3},
		{Expression: "d", Size: 6, Error: 0.5},
	}
	frontier := Filter(records)
	require.Len(t, frontier, 2)
	assert.Equal(t, "a", frontier[0].Expression)
	assert.Equal(t, "d", frontier[1].Expression)
	assert.Equal(t, "c", records[0].Expression, "input must not be reordered")

	best, ok := Best(frontier)
	require.True(t, ok)
	assert.Equal(t, "d", best.Expression)
}

func TestIndividualFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ind", "individual.txt")
	require.NoError(t, WriteIndividualFile(path, Candidate{Prefix: "+ x1 x2", Size: 3, Error: 0.125}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `<FitnessMin value="0.125"/>`)
	assert.Contains(t, string(data), `<Tree size="3">+ x1 x2 </Tree>`)

	evalPath := filepath.Join(dir, "eval.txt")
	evalText := "<Best>\n<Individual>\n<x/>\n<FitnessMin value=\"0.5\"/>\n</Individual>\n\nSolutions:\n1.5\n\n2.5\n"
	require.NoError(t, os.WriteFile(evalPath, []byte(evalText), 0o644))
	eval, err := ReadEvaluationFile(evalPath)
	require.NoError(t, err)
	assert.Equal(t, 0.5, eval.Error)
	assert.Equal(t, []float64{1.5, 2.5}, eval.Solutions)
}
