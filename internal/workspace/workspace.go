// Package workspace implements the Workspace Builder (C4): it
// materializes a compile job's source payload into an ephemeral
// directory tree, downloading assets from the blob store as needed.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogotex/gogotex/backend/go-services/internal/compile"
	"github.com/gogotex/gogotex/backend/go-services/pkg/logger"
)

// ErrInvalidPayload is returned for malformed source payloads: path
// traversal, absolute paths, or duplicate paths.
var ErrInvalidPayload = errors.New("invalid source payload")

// DefaultEntrypoint is used when no text file in the payload is marked
// as the entrypoint.
const DefaultEntrypoint = "main.tex"

// Blobs is the subset of the Blob Store Adapter the workspace builder
// needs to resolve asset downloads.
type Blobs interface {
	Download(ctx context.Context, blobRef string) ([]byte, error)
}

// Workspace is an ephemeral, per-job directory tree with a writable
// source/ subtree (text files + downloaded assets) and an empty
// output/ subtree the sandbox will populate.
type Workspace struct {
	Root       string
	SourceDir  string
	OutputDir  string
	Entrypoint string
}

// Build materializes payload under a fresh temp directory and returns
// the Workspace. On any fatal failure (directory creation, invalid
// payload) the partially built tree is removed before returning.
// onLine, if non-nil, receives one line per non-fatal asset warning so
// callers can fold build-phase warnings into the job's log/stream
// alongside the sandbox's own output lines.
func Build(ctx context.Context, blobs Blobs, jobID string, payload compile.SourcePayload, onLine func(string)) (*Workspace, error) {
	if onLine == nil {
		onLine = func(string) {}
	}
	root, err := os.MkdirTemp("", "gogotex-compile-"+sanitizeForTempName(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	ws := &Workspace{
		Root:      root,
		SourceDir: filepath.Join(root, "source"),
		OutputDir: filepath.Join(root, "output"),
	}

	if err := os.MkdirAll(ws.SourceDir, 0o750); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("create source dir: %w", err)
	}
	if err := os.MkdirAll(ws.OutputDir, 0o750); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	if len(payload.Files) == 0 {
		os.RemoveAll(root)
		return nil, fmt.Errorf("%w: no source files", ErrInvalidPayload)
	}

	seen := make(map[string]bool, len(payload.Files)+len(payload.Assets))
	entrypoint := ""
	for _, f := range payload.Files {
		if err := validateRelPath(f.Path); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, f.Path, err)
		}
		if seen[f.Path] {
			os.RemoveAll(root)
			return nil, fmt.Errorf("%w: duplicate path %s", ErrInvalidPayload, f.Path)
		}
		seen[f.Path] = true

		dest := filepath.Join(ws.SourceDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("create parent dir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dest, []byte(f.Content), 0o640); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("write %s: %w", f.Path, err)
		}
		if f.IsEntrypoint {
			entrypoint = f.Path
		}
	}
	if entrypoint == "" {
		entrypoint = DefaultEntrypoint
	}
	ws.Entrypoint = entrypoint

	succeeded := 0
	for _, a := range payload.Assets {
		if err := validateRelPath(a.Path); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, a.Path, err)
		}
		if seen[a.Path] {
			os.RemoveAll(root)
			return nil, fmt.Errorf("%w: duplicate path %s", ErrInvalidPayload, a.Path)
		}
		seen[a.Path] = true

		data, err := blobs.Download(ctx, a.BlobRef)
		if err != nil {
			warn(onLine, "Asset warning: failed to download %s (%s): %v", a.Path, a.BlobRef, err)
			continue
		}
		dest := filepath.Join(ws.SourceDir, filepath.FromSlash(a.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			warn(onLine, "Asset warning: failed to create parent dir for %s: %v", a.Path, err)
			continue
		}
		if err := os.WriteFile(dest, data, 0o640); err != nil {
			warn(onLine, "Asset warning: failed to write %s: %v", a.Path, err)
			continue
		}
		succeeded++
	}
	logger.Infof("workspace %s: %d/%d assets downloaded", jobID, succeeded, len(payload.Assets))

	return ws, nil
}

// Destroy removes the entire workspace tree. Safe to call more than
// once and on a nil Workspace.
func (w *Workspace) Destroy() {
	if w == nil || w.Root == "" {
		return
	}
	if err := os.RemoveAll(w.Root); err != nil {
		logger.Warnf("failed to remove workspace %s: %v", w.Root, err)
	}
}

// warn logs a build-phase warning and forwards it to onLine so it also
// lands in the job's captured log/stream, not just the process log.
func warn(onLine func(string), format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Warnf("%s", msg)
	onLine(msg)
}

func validateRelPath(p string) error {
	if p == "" {
		return errors.New("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return errors.New("absolute path")
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.New("path traversal")
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return errors.New("path traversal")
		}
	}
	return nil
}

func sanitizeForTempName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}
