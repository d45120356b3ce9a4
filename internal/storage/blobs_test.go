package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBlobsUploadDownloadSign(t *testing.T) {
	blobs := NewMemoryBlobs()
	ctx := context.Background()

	require.NoError(t, blobs.Upload(ctx, "job1/output.pdf", []byte("%PDF-1.5"), "application/pdf"))

	data, err := blobs.Download(ctx, "job1/output.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.5", string(data))

	url, err := blobs.Sign(ctx, "job1/output.pdf", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "job1/output.pdf")
}

func TestMemoryBlobsDownloadMissing(t *testing.T) {
	blobs := NewMemoryBlobs()
	_, err := blobs.Download(context.Background(), "missing")
	require.Error(t, err)
}

func TestMemoryBlobsDownloadFailInjection(t *testing.T) {
	blobs := NewMemoryBlobs()
	require.NoError(t, blobs.Upload(context.Background(), "k", []byte("v"), ""))
	blobs.Fail = map[string]bool{"k": true}
	_, err := blobs.Download(context.Background(), "k")
	require.Error(t, err)
}
