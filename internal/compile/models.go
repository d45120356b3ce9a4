package compile

import "time"

// Status is one of the closed set of lifecycle states a compile job
// passes through. Terminal states never transition further.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusCompiling Status = "compiling"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s is one of the states a job cannot leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout:
		return true
	default:
		return false
	}
}

// TextFile is a source file delivered inline in the job envelope.
type TextFile struct {
	Path         string `json:"path" bson:"path"`
	Content      string `json:"content" bson:"content"`
	IsEntrypoint bool   `json:"isEntrypoint,omitempty" bson:"isEntrypoint,omitempty"`
}

// Asset is a binary file the workspace builder must download from the
// blob store before the sandbox runs.
type Asset struct {
	Path    string `json:"path" bson:"path"`
	BlobRef string `json:"blobRef" bson:"blobRef"`
}

// SourcePayload is the transient envelope materialized into a workspace.
type SourcePayload struct {
	Files  []TextFile `json:"files" bson:"files"`
	Assets []Asset    `json:"assets" bson:"assets"`
}

// Job is the durable Record Store row for a single compilation.
type Job struct {
	ID         string    `bson:"jobId" json:"jobId"`
	ProjectID  string    `bson:"docId" json:"docId"`
	Engine     string    `bson:"engine" json:"engine"`
	Status     Status    `bson:"status" json:"status"`
	PDFKey     string    `bson:"pdfKey,omitempty" json:"pdfKey,omitempty"`
	PDFURL     string    `bson:"pdfUrl,omitempty" json:"pdfUrl,omitempty"`
	SynctexKey string    `bson:"synctexKey,omitempty" json:"synctexKey,omitempty"`
	SynctexURL string    `bson:"synctexUrl,omitempty" json:"synctexUrl,omitempty"`
	Log        string    `bson:"log,omitempty" json:"log,omitempty"`
	DurationMs int64     `bson:"durationMs,omitempty" json:"durationMs,omitempty"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Patch merges a subset of fields into an existing job record. Nil/zero
// fields are left untouched by Store implementations.
type Patch struct {
	Status     *Status
	PDFKey     *string
	PDFURL     *string
	SynctexKey *string
	SynctexURL *string
	Log        *string
	DurationMs *int64
}
