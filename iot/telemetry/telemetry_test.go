package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/agriwatch/core/failure"
)

func TestCacheEmpty(t *testing.T) {
	c := NewCache()
	_, err := c.Get()
	assert.True(t, failure.IsKind(err, failure.Unavailable))
}

func TestCacheLatestWins(t *testing.T) {
	c := NewCache()
	c.Put([]byte(`{"t":1}`))
	c.Put([]byte(`{"t":2}`))
	snapshot, err := c.Get()
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":2}`, string(snapshot))
}

func TestCacheConcurrentPuts(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for n := 0; n < 50; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.Put([]byte(fmt.Sprintf(`{"n":%d}`, n)))
			_, err := c.Get()
			assert.NoError(t, err)
		}(n)
	}
	wg.Wait()
	snapshot, err := c.Get()
	require.NoError(t, err)
	assert.Contains(t, string(snapshot), `"n":`)
}

type recordingArchive struct {
	keys []string
	err  error
}

func (r *recordingArchive) Save(ctx context.Context, key string, data []byte) error {
	r.keys = append(r.keys, key)
	return r.err
}

func TestIngestor(t *testing.T) {
	c := NewCache()
	a := &recordingArchive{}
	i := NewIngestor(c, a)
	i.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	payload := []byte(`{"temperature":21.5,"humidity":40}`)
	require.NoError(t, i.Handle(context.Background(), "agri/data", payload))
	// the cache keeps its own copy
	payload[2] = 'X'
	snapshot, err := c.Get()
	require.NoError(t, err)
	assert.JSONEq(t, `{"temperature":21.5,"humidity":40}`, string(snapshot))
	assert.Equal(t, []string{"snapshots/2024/01/01/2024-01-01T00:00:00Z.json"}, a.keys)
}

func TestIngestorRejectsMalformed(t *testing.T) {
	c := NewCache()
	i := NewIngestor(c, nil)
	err := i.Handle(context.Background(), "agri/data", []byte(`{"temperature":`))
	assert.True(t, failure.IsKind(err, failure.IngestMalformed))
	_, err = c.Get()
	assert.True(t, failure.IsKind(err, failure.Unavailable))
}

func TestIngestorIgnoresArchiveFailure(t *testing.T) {
	c := NewCache()
	i := NewIngestor(c, &recordingArchive{err: errors.New("bucket gone")})
	require.NoError(t, i.Handle(context.Background(), "agri/data", []byte(`[1,2,3]`)))
	snapshot, err := c.Get()
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(snapshot))
}

func TestIngestorRejectsEmptyReadings(t *testing.T) {
	c := NewCache()
	i := NewIngestor(c, nil)
	for _, payload := range []string{``, `   `, `null`, ` null
`} {
		err := i.Handle(context.Background(), "agri/data", []byte(payload))
		assert.True(t, failure.IsKind(err, failure.IngestMalformed), "payload %q", payload)
	}
	_, err := c.Get()
	assert.True(t, failure.IsKind(err, failure.Unavailable))
}

type blockingArchive struct{}

func (blockingArchive) Save(ctx context.Context, key string, data []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestIngestorBoundsArchive(t *testing.T) {
	c := NewCache()
	i := NewIngestor(c, blockingArchive{})
	assert.Equal(t, DefaultArchiveTimeout, i.archiveTimeout)
	i.archiveTimeout = 50 * time.Millisecond

	start := time.Now()
	require.NoError(t, i.Handle(context.Background(), "agri/data", []byte(`{"t":1}`)))
	assert.Less(t, time.Since(start), 5*time.Second)
	snapshot, err := c.Get()
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":1}`, string(snapshot))
}
