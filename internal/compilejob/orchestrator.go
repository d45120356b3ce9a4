// Package compilejob implements the Compile Orchestrator (C7): it
// drives a single job from queued through a terminal status, wiring
// the Record Store, Blob Store, Log Bus, Workspace Builder, Sandbox
// Executor, and Position-Map Parser together.
package compilejob

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gogotex/gogotex/backend/go-services/internal/compile"
	"github.com/gogotex/gogotex/backend/go-services/internal/logbus"
	"github.com/gogotex/gogotex/backend/go-services/internal/sandbox"
	"github.com/gogotex/gogotex/backend/go-services/internal/storage"
	"github.com/gogotex/gogotex/backend/go-services/internal/workspace"
	"github.com/gogotex/gogotex/backend/go-services/pkg/logger"
	"github.com/gogotex/gogotex/backend/go-services/pkg/metrics"
)

// Sandbox is the subset of sandbox.Executor the orchestrator needs,
// narrowed to an interface so tests can substitute a fake container
// run without invoking Docker.
type Sandbox interface {
	Execute(ctx context.Context, workspaceRoot, engineTag, entrypoint string, onLine func(string), deadline time.Duration) (sandbox.Result, error)
	Kill(workspaceRoot string)
}

// ArtifactTTL is the default signed-URL lifetime for uploaded artifacts
// (spec: 1 hour), overridable per Orchestrator.
const ArtifactTTL = time.Hour

const (
	pdfArtifactName     = "output.pdf"
	synctexArtifactName = "output.synctex"
)

// Orchestrator wires the adapters needed to run one compile job
// end-to-end. It holds no per-job state; Run is safe to call
// concurrently for distinct jobs.
type Orchestrator struct {
	Store       compile.Store
	Blobs       storage.Blobs
	Bus         logbus.Bus
	Sandbox     Sandbox
	Deadline    time.Duration
	ArtifactTTL time.Duration
}

// New returns an Orchestrator with the given adapters and the spec's
// default deadline/TTL, overridable via the returned struct's fields.
func New(store compile.Store, blobs storage.Blobs, bus logbus.Bus, sb Sandbox) *Orchestrator {
	return &Orchestrator{
		Store:       store,
		Blobs:       blobs,
		Bus:         bus,
		Sandbox:     sb,
		Deadline:    sandbox.DefaultConfig().Deadline,
		ArtifactTTL: ArtifactTTL,
	}
}

// Run drives job through compiling to a terminal status, publishing
// Log Bus events as it goes. It always leaves exactly one terminal
// Record Store update and exactly one done event in its wake, and
// always tears down the workspace and sandbox container, even on
// panic.
func (o *Orchestrator) Run(ctx context.Context, job *compile.Job, payload compile.SourcePayload) (err error) {
	start := time.Now()
	var ws *workspace.Workspace

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("compile job %s: panic: %v", job.ID, r)
			o.finishError(ctx, job, start, fmt.Sprintf("internal error: %v", r))
		}
		if ws != nil {
			o.Sandbox.Kill(ws.Root)
			ws.Destroy()
		}
	}()

	if err := o.Store.Apply(ctx, job.ID, compile.Patch{Status: statusPtr(compile.StatusCompiling)}); err != nil {
		return fmt.Errorf("mark compiling: %w", err)
	}
	o.Bus.Publish(job.ID, logbus.StatusEvent(string(compile.StatusCompiling)))

	var logBuf strings.Builder
	appendLine := func(line string) {
		logBuf.WriteString(line)
		logBuf.WriteString("\n")
		o.Bus.Publish(job.ID, logbus.Line(line))
	}

	ws, buildErr := workspace.Build(ctx, workspaceBlobs{o.Blobs}, job.ID, payload, appendLine)
	if buildErr != nil {
		o.finishError(ctx, job, start, buildErr.Error())
		return nil
	}

	deadline := o.Deadline
	if deadline <= 0 {
		deadline = sandbox.DefaultConfig().Deadline
	}

	res, execErr := o.Sandbox.Execute(ctx, ws.Root, job.Engine, ws.Entrypoint, appendLine, deadline)
	if execErr != nil {
		o.finishError(ctx, job, start, fmt.Sprintf("sandbox start failed: %v", execErr))
		return nil
	}

	durationMs := time.Since(start).Milliseconds()

	// A canceled parent context at this point means a worker shutdown
	// grace period expired mid-job (internal/queue kills the sandbox and
	// cancels it deliberately); that, like the executor's own deadline,
	// canonically maps to status=timeout rather than status=error.
	if res.DeadlineHit || ctx.Err() != nil {
		o.finishTimeout(ctx, job, logBuf.String(), durationMs)
		return nil
	}

	o.finishFromArtifacts(ctx, job, ws, res, logBuf.String(), durationMs)
	return nil
}

func (o *Orchestrator) finishFromArtifacts(ctx context.Context, job *compile.Job, ws *workspace.Workspace, res sandbox.Result, log string, durationMs int64) {
	ctx, cancel := detachedCtx(ctx)
	defer cancel()
	entries, readErr := os.ReadDir(ws.OutputDir)
	if readErr != nil {
		logger.Warnf("compile job %s: read output dir: %v", job.ID, readErr)
	}

	var pdfPath, synctexGzPath string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".pdf") && pdfPath == "":
			pdfPath = filepath.Join(ws.OutputDir, name)
		case strings.HasSuffix(name, ".synctex.gz") && synctexGzPath == "":
			synctexGzPath = filepath.Join(ws.OutputDir, name)
		}
	}

	if pdfPath == "" {
		if res.ExitCode == 0 {
			log += "\nNo PDF produced despite engine success\n"
		}
		o.finishErrorDuration(ctx, job, log, durationMs)
		return
	}

	pdfKey := fmt.Sprintf("%s/%s", job.ID, pdfArtifactName)
	pdfData, err := os.ReadFile(pdfPath)
	if err != nil {
		o.finishErrorDuration(ctx, job, fmt.Sprintf("%s\nread PDF artifact: %v", log, err), durationMs)
		return
	}
	if err := o.Blobs.Upload(ctx, pdfKey, pdfData, "application/pdf"); err != nil {
		o.finishErrorDuration(ctx, job, fmt.Sprintf("%s\nupload PDF artifact: %v", log, err), durationMs)
		return
	}
	pdfURL, err := o.Blobs.Sign(ctx, pdfKey, o.signTTL())
	if err != nil {
		o.finishErrorDuration(ctx, job, fmt.Sprintf("%s\nsign PDF artifact: %v", log, err), durationMs)
		return
	}

	var synctexKey, synctexURL string
	if synctexGzPath != "" {
		synctexKey, synctexURL, log = o.uploadPositionMap(ctx, job, synctexGzPath, log)
	}

	patch := compile.Patch{
		Status:     statusPtr(compile.StatusSuccess),
		PDFKey:     strPtr(pdfKey),
		PDFURL:     strPtr(pdfURL),
		Log:        strPtr(log),
		DurationMs: int64Ptr(durationMs),
	}
	if synctexKey != "" {
		patch.SynctexKey = strPtr(synctexKey)
		patch.SynctexURL = strPtr(synctexURL)
	}
	if err := o.Store.Apply(ctx, job.ID, patch); err != nil {
		logger.Errorf("compile job %s: persist success: %v", job.ID, err)
	}
	recordOutcome(compile.StatusSuccess, durationMs)
	o.Bus.Publish(job.ID, logbus.Done(pdfURL, synctexURL, durationMs))
}

// uploadPositionMap decompresses the engine's gzip-wrapped position map
// and re-uploads the plain-text form. Failure here is non-fatal per the
// PositionMapUnavailable error kind: the compile still reports success.
func (o *Orchestrator) uploadPositionMap(ctx context.Context, job *compile.Job, gzPath, log string) (key, url, newLog string) {
	raw, err := os.ReadFile(gzPath)
	if err != nil {
		logger.Warnf("compile job %s: read position map: %v", job.ID, err)
		return "", "", log + "\nposition map unavailable: " + err.Error() + "\n"
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		logger.Warnf("compile job %s: position map gzip: %v", job.ID, err)
		return "", "", log + "\nposition map unavailable: " + err.Error() + "\n"
	}
	defer gz.Close()
	decompressed, err := io.ReadAll(gz)
	if err != nil {
		logger.Warnf("compile job %s: position map decompress: %v", job.ID, err)
		return "", "", log + "\nposition map unavailable: " + err.Error() + "\n"
	}

	key = fmt.Sprintf("%s/%s", job.ID, synctexArtifactName)
	if err := o.Blobs.Upload(ctx, key, decompressed, "text/plain"); err != nil {
		logger.Warnf("compile job %s: upload position map: %v", job.ID, err)
		return "", "", log + "\nposition map unavailable: " + err.Error() + "\n"
	}
	url, err = o.Blobs.Sign(ctx, key, o.signTTL())
	if err != nil {
		logger.Warnf("compile job %s: sign position map: %v", job.ID, err)
		return "", "", log + "\nposition map unavailable: " + err.Error() + "\n"
	}
	return key, url, log
}

func (o *Orchestrator) finishTimeout(ctx context.Context, job *compile.Job, log string, durationMs int64) {
	ctx, cancel := detachedCtx(ctx)
	defer cancel()
	patch := compile.Patch{
		Status:     statusPtr(compile.StatusTimeout),
		Log:        strPtr(log),
		DurationMs: int64Ptr(durationMs),
	}
	if err := o.Store.Apply(ctx, job.ID, patch); err != nil {
		logger.Errorf("compile job %s: persist timeout: %v", job.ID, err)
	}
	recordOutcome(compile.StatusTimeout, durationMs)
	o.Bus.Publish(job.ID, logbus.Done("", "", durationMs))
}

func (o *Orchestrator) finishError(ctx context.Context, job *compile.Job, start time.Time, log string) {
	o.finishErrorDuration(ctx, job, log, time.Since(start).Milliseconds())
}

func (o *Orchestrator) finishErrorDuration(ctx context.Context, job *compile.Job, log string, durationMs int64) {
	ctx, cancel := detachedCtx(ctx)
	defer cancel()
	patch := compile.Patch{
		Status:     statusPtr(compile.StatusError),
		Log:        strPtr(log),
		DurationMs: int64Ptr(durationMs),
	}
	if err := o.Store.Apply(ctx, job.ID, patch); err != nil {
		logger.Errorf("compile job %s: persist error: %v", job.ID, err)
	}
	recordOutcome(compile.StatusError, durationMs)
	o.Bus.Publish(job.ID, logbus.Done("", "", durationMs))
}

// recordOutcome reports a terminal status to the compile job counters,
// shared by all three finish paths so every Run call contributes
// exactly one observation.
func recordOutcome(status compile.Status, durationMs int64) {
	metrics.CompileJobsTotal.WithLabelValues(string(status)).Inc()
	metrics.CompileDurationSeconds.WithLabelValues(string(status)).Observe(float64(durationMs) / 1000)
}

// detachedCtx returns ctx unchanged unless it's already done (shutdown
// cancellation, deadline expiry), in which case it returns a fresh,
// briefly-bounded context so the terminal record update and artifact
// upload can still complete. Callers must defer the returned cancel.
func detachedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (o *Orchestrator) signTTL() time.Duration {
	if o.ArtifactTTL <= 0 {
		return ArtifactTTL
	}
	return o.ArtifactTTL
}

// workspaceBlobs narrows storage.Blobs to the workspace.Blobs contract.
type workspaceBlobs struct {
	b storage.Blobs
}

func (w workspaceBlobs) Download(ctx context.Context, blobRef string) ([]byte, error) {
	return w.b.Download(ctx, blobRef)
}

func statusPtr(s compile.Status) *compile.Status { return &s }
func strPtr(s string) *string                    { return &s }
func int64Ptr(i int64) *int64                    { return &i }
