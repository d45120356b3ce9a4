package compile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSaveLoadApply(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	job := &Job{ID: "j1", ProjectID: "d1", Status: StatusQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Save(ctx, job))

	got, err := store.Load(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusQueued, got.Status)

	status := StatusSuccess
	log := "ok"
	require.NoError(t, store.Apply(ctx, "j1", Patch{Status: &status, Log: &log}))

	got, err = store.Load(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "ok", got.Log)
}

func TestMemoryStoreLoadMissing(t *testing.T) {
	store := NewMemoryStore()
	got, err := store.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMongoStoreConnectFailureWraps(t *testing.T) {
	// An unreachable URI must return a wrapped error rather than panic;
	// this exercises the connect-per-call path without a live MongoDB.
	store := NewMongoStore("mongodb://127.0.0.1:1/", "gogotex_test")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := store.Load(ctx, "j1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect mongo")
}
