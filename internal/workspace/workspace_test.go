package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogotex/gogotex/backend/go-services/internal/compile"
)

type stubBlobs struct {
	data map[string][]byte
	fail map[string]bool
}

func (s *stubBlobs) Download(_ context.Context, ref string) ([]byte, error) {
	if s.fail[ref] {
		return nil, assert.AnError
	}
	return s.data[ref], nil
}

func TestBuildHappyPath(t *testing.T) {
	blobs := &stubBlobs{data: map[string][]byte{"ref1": []byte("PNGDATA")}}
	payload := compile.SourcePayload{
		Files: []compile.TextFile{
			{Path: "main.tex", Content: `\documentclass{article}`, IsEntrypoint: true},
			{Path: "chapters/intro.tex", Content: "intro"},
		},
		Assets: []compile.Asset{{Path: "figures/plot.png", BlobRef: "ref1"}},
	}

	ws, err := Build(context.Background(), blobs, "job-1", payload, nil)
	require.NoError(t, err)
	defer ws.Destroy()

	assert.Equal(t, "main.tex", ws.Entrypoint)
	data, err := os.ReadFile(filepath.Join(ws.SourceDir, "main.tex"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "documentclass")

	assetData, err := os.ReadFile(filepath.Join(ws.SourceDir, "figures", "plot.png"))
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(assetData))

	_, err = os.Stat(ws.OutputDir)
	require.NoError(t, err)
}

func TestBuildDefaultsEntrypoint(t *testing.T) {
	payload := compile.SourcePayload{Files: []compile.TextFile{{Path: "doc.tex", Content: "x"}}}
	ws, err := Build(context.Background(), &stubBlobs{}, "job-2", payload, nil)
	require.NoError(t, err)
	defer ws.Destroy()
	assert.Equal(t, DefaultEntrypoint, ws.Entrypoint)
}

func TestBuildRejectsEmptyFiles(t *testing.T) {
	_, err := Build(context.Background(), &stubBlobs{}, "job-3", compile.SourcePayload{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestBuildRejectsPathTraversal(t *testing.T) {
	cases := []string{"../evil.tex", "/etc/passwd", "a/../../b.tex"}
	for _, p := range cases {
		payload := compile.SourcePayload{Files: []compile.TextFile{{Path: p, Content: "x", IsEntrypoint: true}}}
		_, err := Build(context.Background(), &stubBlobs{}, "job-traversal", payload, nil)
		require.Errorf(t, err, "path %q should be rejected", p)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	}
}

func TestBuildNoTraversalFilesWritten(t *testing.T) {
	// When a payload is rejected, the workspace root must not survive.
	tmpBefore, _ := os.ReadDir(os.TempDir())
	payload := compile.SourcePayload{Files: []compile.TextFile{{Path: "../evil.tex", Content: "x", IsEntrypoint: true}}}
	_, err := Build(context.Background(), &stubBlobs{}, "job-clean", payload, nil)
	require.Error(t, err)
	tmpAfter, _ := os.ReadDir(os.TempDir())
	assert.LessOrEqual(t, len(tmpAfter), len(tmpBefore)+1) // tolerate unrelated concurrent temp entries
}

func TestBuildAssetFailureIsNonFatal(t *testing.T) {
	blobs := &stubBlobs{fail: map[string]bool{"missing": true}}
	payload := compile.SourcePayload{
		Files:  []compile.TextFile{{Path: "main.tex", Content: "x", IsEntrypoint: true}},
		Assets: []compile.Asset{{Path: "img.png", BlobRef: "missing"}},
	}
	var lines []string
	ws, err := Build(context.Background(), blobs, "job-4", payload, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	defer ws.Destroy()
	_, err = os.Stat(filepath.Join(ws.SourceDir, "img.png"))
	assert.True(t, os.IsNotExist(err))

	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Asset warning:")
	assert.Contains(t, lines[0], "img.png")
}

func TestDestroyRemovesTree(t *testing.T) {
	payload := compile.SourcePayload{Files: []compile.TextFile{{Path: "main.tex", Content: "x", IsEntrypoint: true}}}
	ws, err := Build(context.Background(), &stubBlobs{}, "job-5", payload, nil)
	require.NoError(t, err)
	ws.Destroy()
	_, err = os.Stat(ws.Root)
	assert.True(t, os.IsNotExist(err))
}
