package compilejob

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogotex/gogotex/backend/go-services/internal/compile"
	"github.com/gogotex/gogotex/backend/go-services/internal/logbus"
	"github.com/gogotex/gogotex/backend/go-services/internal/sandbox"
	"github.com/gogotex/gogotex/backend/go-services/internal/storage"
)

// fakeSandbox lets tests script the sandbox's observable effects (files
// written to output/, lines emitted, exit code, deadline behavior)
// without invoking Docker.
type fakeSandbox struct {
	writeFiles  map[string][]byte
	lines       []string
	result      sandbox.Result
	err         error
	killedRoots []string
}

func (f *fakeSandbox) Execute(_ context.Context, workspaceRoot, _, _ string, onLine func(string), _ time.Duration) (sandbox.Result, error) {
	for name, data := range f.writeFiles {
		_ = os.WriteFile(filepath.Join(workspaceRoot, "output", name), data, 0o640)
	}
	for _, l := range f.lines {
		onLine(l)
	}
	return f.result, f.err
}

func (f *fakeSandbox) Kill(workspaceRoot string) {
	f.killedRoots = append(f.killedRoots, workspaceRoot)
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func drain(ch <-chan logbus.Event) []logbus.Event {
	var events []logbus.Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func newTestOrchestrator(sb Sandbox) (*Orchestrator, compile.Store, *storage.MemoryBlobs, logbus.Bus) {
	store := compile.NewMemoryStore()
	blobs := storage.NewMemoryBlobs()
	bus := logbus.NewMemoryBus()
	return New(store, blobs, bus, sb), store, blobs, bus
}

func newJob(id string) *compile.Job {
	return &compile.Job{ID: id, ProjectID: "proj-1", Engine: "pdflatex", Status: compile.StatusQueued, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
}

func samplePayload() compile.SourcePayload {
	return compile.SourcePayload{
		Files: []compile.TextFile{{Path: "main.tex", Content: "\\documentclass{article}\\begin{document}hi\\end{document}", IsEntrypoint: true}},
	}
}

func TestRunSuccessUploadsPDFAndPublishesDone(t *testing.T) {
	sb := &fakeSandbox{
		writeFiles: map[string][]byte{"output.pdf": []byte("%PDF-1.4 fake")},
		lines:      []string{"Output written on output.pdf"},
		result:     sandbox.Result{ExitCode: 0, WallTimeMs: 10},
	}
	orch, store, blobs, bus := newTestOrchestrator(sb)
	job := newJob("job-1")

	events, _ := bus.Subscribe(job.ID)
	require.NoError(t, orch.Run(context.Background(), job, samplePayload()))

	got := drain(events)
	require.Len(t, got, 3)
	assert.Equal(t, logbus.KindStatus, got[0].Kind)
	assert.Equal(t, logbus.KindLine, got[1].Kind)
	assert.Equal(t, logbus.KindDone, got[2].Kind)
	assert.NotEmpty(t, got[2].PDFURL)

	persisted, err := store.Load(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, compile.StatusSuccess, persisted.Status)
	assert.NotEmpty(t, persisted.PDFKey)

	_, ok := blobs.Get("job-1/output.pdf")
	assert.True(t, ok)
	assert.Len(t, sb.killedRoots, 1)
}

func TestRunSuccessWithSynctexUploadsDecompressedForm(t *testing.T) {
	plain := []byte("Input:1:./main.tex\nContent:\n{1\nh1,1,0:0,0\n}\n")
	sb := &fakeSandbox{
		writeFiles: map[string][]byte{
			"output.pdf":        []byte("%PDF-1.4 fake"),
			"output.synctex.gz": gzipBytes(t, plain),
		},
		result: sandbox.Result{ExitCode: 0},
	}
	orch, store, blobs, _ := newTestOrchestrator(sb)
	job := newJob("job-2")

	require.NoError(t, orch.Run(context.Background(), job, samplePayload()))

	persisted, err := store.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, compile.StatusSuccess, persisted.Status)
	assert.NotEmpty(t, persisted.SynctexKey)

	data, ok := blobs.Get("job-2/output.synctex")
	require.True(t, ok)
	assert.Equal(t, plain, data)
}

func TestRunNoPDFDespiteZeroExitIsError(t *testing.T) {
	sb := &fakeSandbox{result: sandbox.Result{ExitCode: 0}}
	orch, store, _, bus := newTestOrchestrator(sb)
	job := newJob("job-3")

	events, _ := bus.Subscribe(job.ID)
	require.NoError(t, orch.Run(context.Background(), job, samplePayload()))
	got := drain(events)

	last := got[len(got)-1]
	assert.Equal(t, logbus.KindDone, last.Kind)

	persisted, err := store.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, compile.StatusError, persisted.Status)
	assert.Contains(t, persisted.Log, "No PDF produced despite engine success")
}

func TestRunNonZeroExitIsError(t *testing.T) {
	sb := &fakeSandbox{result: sandbox.Result{ExitCode: 1}}
	orch, store, _, _ := newTestOrchestrator(sb)
	job := newJob("job-4")

	require.NoError(t, orch.Run(context.Background(), job, samplePayload()))
	persisted, err := store.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, compile.StatusError, persisted.Status)
}

func TestRunDeadlineHitMapsToTimeout(t *testing.T) {
	sb := &fakeSandbox{result: sandbox.Result{ExitCode: sandbox.EngineTimeoutExitCode, DeadlineHit: true}}
	orch, store, _, _ := newTestOrchestrator(sb)
	job := newJob("job-5")

	require.NoError(t, orch.Run(context.Background(), job, samplePayload()))
	persisted, err := store.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, compile.StatusTimeout, persisted.Status)
}

func TestRunEngineExitCode3WithoutDeadlineHitStillError(t *testing.T) {
	// Exit code 3 without DeadlineHit set means the engine's own timeout
	// wrapper fired; the orchestrator only canonicalizes its own
	// Sandbox-observed deadline expiry to status=timeout, so this still
	// falls through as a build failure (no PDF present).
	sb := &fakeSandbox{result: sandbox.Result{ExitCode: sandbox.EngineTimeoutExitCode, DeadlineHit: false}}
	orch, store, _, _ := newTestOrchestrator(sb)
	job := newJob("job-6")

	require.NoError(t, orch.Run(context.Background(), job, samplePayload()))
	persisted, err := store.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, compile.StatusError, persisted.Status)
}

func TestRunInvalidPayloadIsError(t *testing.T) {
	sb := &fakeSandbox{}
	orch, store, _, _ := newTestOrchestrator(sb)
	job := newJob("job-7")

	require.NoError(t, orch.Run(context.Background(), job, compile.SourcePayload{}))
	persisted, err := store.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, compile.StatusError, persisted.Status)
	assert.Empty(t, sb.killedRoots, "sandbox never started for a build that failed before it ran")
}

func TestRunRecoversFromPanicAndPersistsError(t *testing.T) {
	sb := &fakeSandbox{
		result: sandbox.Result{ExitCode: 0},
	}
	orch, store, blobs, _ := newTestOrchestrator(sb)
	orch.Blobs = panicBlobs{blobs}
	sb.writeFiles = map[string][]byte{"output.pdf": []byte("%PDF fake")}
	job := newJob("job-8")

	require.NoError(t, orch.Run(context.Background(), job, samplePayload()))
	persisted, err := store.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, compile.StatusError, persisted.Status)
	assert.Contains(t, persisted.Log, "internal error")
}

func TestRunAssetFailureIsNonFatalAndWarningReachesLog(t *testing.T) {
	sb := &fakeSandbox{
		writeFiles: map[string][]byte{"output.pdf": []byte("%PDF-1.4 fake")},
		result:     sandbox.Result{ExitCode: 0},
	}
	orch, store, _, bus := newTestOrchestrator(sb)
	job := newJob("job-9")
	payload := compile.SourcePayload{
		Files:  []compile.TextFile{{Path: "main.tex", Content: "\\documentclass{article}", IsEntrypoint: true}},
		Assets: []compile.Asset{{Path: "missing.png", BlobRef: "does-not-exist"}},
	}

	events, _ := bus.Subscribe(job.ID)
	require.NoError(t, orch.Run(context.Background(), job, payload))
	got := drain(events)

	var sawAssetWarningLine bool
	for _, e := range got {
		if e.Kind == logbus.KindLine && strings.Contains(e.Text, "Asset warning:") {
			sawAssetWarningLine = true
		}
	}
	assert.True(t, sawAssetWarningLine, "asset warning should be published as a line event")

	persisted, err := store.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, compile.StatusSuccess, persisted.Status)
	assert.Contains(t, persisted.Log, "Asset warning:")
	assert.Contains(t, persisted.Log, "missing.png")
}

// panicBlobs triggers a panic on Upload to exercise the recover() guard.
type panicBlobs struct {
	*storage.MemoryBlobs
}

func (panicBlobs) Upload(context.Context, string, []byte, string) error {
	panic("simulated upload panic")
}
