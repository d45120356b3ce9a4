package syncmap

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMap() string {
	var b strings.Builder
	b.WriteString("Input:1:./main.tex\n")
	b.WriteString("Content:\n")
	b.WriteString("{1\n")
	b.WriteString("h1,3,0:655360,1310720\n")
	b.WriteString("x1,5,2:655360,2621440:65536,13107200,0\n")
	b.WriteString("}\n")
	b.WriteString("{2\n")
	b.WriteString("h1,12,0:655360,655360\n")
	b.WriteString("}\n")
	return b.String()
}

func TestParsePlainForwardAndInverse(t *testing.T) {
	idx, err := ParsePlain(strings.NewReader(sampleMap()))
	require.NoError(t, err)
	require.False(t, idx.Empty())

	res, ok := idx.ForwardLookup("main.tex", 5, 842)
	require.True(t, ok)
	assert.Equal(t, 1, res.Page)
	assert.InDelta(t, 10.0, res.X, 0.001)
	assert.InDelta(t, 40.0, res.Y, 0.001)
	assert.GreaterOrEqual(t, res.YNorm, 0.0)
	assert.LessOrEqual(t, res.YNorm, 1.0)

	inv, ok := idx.InverseLookup(1, 10.0, 40.0)
	require.True(t, ok)
	assert.Equal(t, "main.tex", inv.File)
	assert.Equal(t, 5, inv.Line)
	assert.Equal(t, 2, inv.Column)
}

func TestForwardLookupFallsBackToLowerLine(t *testing.T) {
	idx, err := ParsePlain(strings.NewReader(sampleMap()))
	require.NoError(t, err)

	// Line 10 has no exact record; the largest record with line <= 10
	// is line 5.
	res, ok := idx.ForwardLookup("main.tex", 10, 842)
	require.True(t, ok)
	assert.Equal(t, 1, res.Page)
}

func TestForwardLookupBeforeFirstRecordFails(t *testing.T) {
	idx, err := ParsePlain(strings.NewReader(sampleMap()))
	require.NoError(t, err)
	_, ok := idx.ForwardLookup("main.tex", 1, 842)
	assert.False(t, ok)
}

func TestForwardLookupByBasenameFallback(t *testing.T) {
	idx, err := ParsePlain(strings.NewReader(sampleMap()))
	require.NoError(t, err)
	res, ok := idx.ForwardLookup("/some/other/prefix/main.tex", 5, 842)
	require.True(t, ok)
	assert.Equal(t, 1, res.Page)
}

func TestSecondPageRecords(t *testing.T) {
	idx, err := ParsePlain(strings.NewReader(sampleMap()))
	require.NoError(t, err)
	res, ok := idx.ForwardLookup("main.tex", 12, 842)
	require.True(t, ok)
	assert.Equal(t, 2, res.Page)
}

func TestLinePageMap(t *testing.T) {
	idx, err := ParsePlain(strings.NewReader(sampleMap()))
	require.NoError(t, err)
	m := idx.LinePageMap("main.tex")
	assert.Equal(t, 1, m[3])
	assert.Equal(t, 1, m[5])
	assert.Equal(t, 2, m[12])
}

func TestParseGzipWrapped(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(sampleMap()))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	idx, err := Parse(&buf)
	require.NoError(t, err)
	_, ok := idx.ForwardLookup("main.tex", 5, 842)
	assert.True(t, ok)
}

func TestSandboxPrefixStripped(t *testing.T) {
	raw := "Input:1:/work/source/main.tex\nContent:\n{1\nh1,3,0:0,0\n}\n"
	idx, err := ParsePlain(strings.NewReader(raw))
	require.NoError(t, err)
	_, ok := idx.ForwardLookup("main.tex", 3, 842)
	assert.True(t, ok)
}

func TestSkipsNonPositiveLineAndUnknownFileID(t *testing.T) {
	raw := "Input:1:main.tex\nContent:\n{1\nh9,3,0:0,0\nh1,0,0:0,0\nh1,3,0:10,20\n}\n"
	idx, err := ParsePlain(strings.NewReader(raw))
	require.NoError(t, err)
	res, ok := idx.ForwardLookup("main.tex", 3, 842)
	require.True(t, ok)
	assert.InDelta(t, 10.0/65536.0, res.X, 1e-9)
}

func TestEmptyIndex(t *testing.T) {
	idx, err := ParsePlain(strings.NewReader("Content:\n"))
	require.NoError(t, err)
	assert.True(t, idx.Empty())
}
