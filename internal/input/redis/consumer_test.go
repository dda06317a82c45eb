package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupConsumer(t *testing.T) (*miniredis.Miniredis, *Consumer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := NewConsumerWithClient(client, "aisiem:raw", 50*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return mr, c
}

func TestPushAndPopPreserveOrder(t *testing.T) {
	_, c := setupConsumer(t)
	ctx := context.Background()

	require.NoError(t, c.Push(ctx, []byte("one"), []byte("two")))
	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	first, err := c.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(first))
	second, err := c.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(second))
}

func TestPopTimesOutEmpty(t *testing.T) {
	_, c := setupConsumer(t)
	msg, err := c.Pop(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestNewConsumerRequiresKey(t *testing.T) {
	_, err := NewConsumerWithClient(redis.NewClient(&redis.Options{}), "", 0)
	assert.Error(t, err)
}

func TestDecodeRecordEnvelope(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rec := DecodeRecord([]byte(`{"source":"linux.auth","raw":"Failed password for root","host":"web-1","ingest_ts":1772323200.5}`), "generic", now)
	assert.Equal(t, "linux.auth", rec.Source)
	assert.Equal(t, "web-1", rec.Host)
	assert.Equal(t, "Failed password for root", rec.Payload)
	assert.Equal(t, time.Unix(1772323200, 500000000).UTC(), rec.IngestTS)

	rec = DecodeRecord([]byte(`{"source":"win.sysmon","raw":{"EventID":1},"host":"WS-01","ingest_ts":"2026-03-01T10:00:00Z"}`), "generic", now)
	assert.Equal(t, `{"EventID":1}`, rec.Payload)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), rec.IngestTS)
}

func TestDecodeRecordFallsBackToDefaultSource(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rec := DecodeRecord([]byte(`{"EventID":1,"Hostname":"WS-01"}`), "win.sysmon", now)
	assert.Equal(t, "win.sysmon", rec.Source)
	assert.Equal(t, `{"EventID":1,"Hostname":"WS-01"}`, rec.Payload)
	assert.Equal(t, now, rec.IngestTS)

	rec = DecodeRecord([]byte("plain text line"), "generic", now)
	assert.Equal(t, "generic", rec.Source)
	assert.Equal(t, "plain text line", rec.Payload)
}
