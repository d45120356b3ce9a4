package logbus

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBus(client, "")
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	bus := newTestRedisBus(t)
	events, unsubscribe := bus.Subscribe("job1")
	defer unsubscribe()

	// Give the subscription goroutine a moment to register with miniredis.
	time.Sleep(20 * time.Millisecond)

	bus.Publish("job1", Line("building"))
	bus.Publish("job1", Done("https://x/pdf", "https://x/map", 100))

	var got []Event
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, KindLine, got[0].Kind)
	assert.Equal(t, KindDone, got[1].Kind)
	assert.Equal(t, "https://x/pdf", got[1].PDFURL)
}
