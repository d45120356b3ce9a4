package compile

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for tests and for local/dev
// runs without a configured MongoDB URI.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Load(_ context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) Apply(_ context.Context, jobID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		job = &Job{ID: jobID}
		s.jobs[jobID] = job
	}
	job.UpdatedAt = time.Now().UTC()
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.PDFKey != nil {
		job.PDFKey = *patch.PDFKey
	}
	if patch.PDFURL != nil {
		job.PDFURL = *patch.PDFURL
	}
	if patch.SynctexKey != nil {
		job.SynctexKey = *patch.SynctexKey
	}
	if patch.SynctexURL != nil {
		job.SynctexURL = *patch.SynctexURL
	}
	if patch.Log != nil {
		job.Log = *patch.Log
	}
	if patch.DurationMs != nil {
		job.DurationMs = *patch.DurationMs
	}
	return nil
}
