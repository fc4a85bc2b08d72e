/*Package telemetry keeps the latest sensor snapshot.

A snapshot is an opaque JSON value. Only the most recent one is retained,
each reading replaces it as a whole. Readers may observe a snapshot that is
about to be replaced.
*/
package telemetry

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/agriwatch/core/failure"
	"github.com/relabs-tech/agriwatch/core/logger"
	"github.com/relabs-tech/agriwatch/iot/archive"
)

// Cache is a single slot store for the latest snapshot
type Cache struct {
	latest atomic.Pointer[json.RawMessage]
}

// NewCache returns an empty cache
func NewCache() *Cache {
	return &Cache{}
}

// Put replaces the snapshot
func (c *Cache) Put(snapshot json.RawMessage) {
	c.latest.Store(&snapshot)
}

// Get returns the latest snapshot. It fails with Unavailable if no reading
// was received since process start.
func (c *Cache) Get() (json.RawMessage, error) {
	snapshot := c.latest.Load()
	if snapshot == nil {
		return nil, failure.New(failure.Unavailable, "No data available yet")
	}
	return *snapshot, nil
}

// DefaultArchiveTimeout bounds archiving a single snapshot
const DefaultArchiveTimeout = 10 * time.Second

// Ingestor accepts readings from the messaging transport
type Ingestor struct {
	cache          *Cache
	archive        archive.Driver
	archiveTimeout time.Duration
	now            func() time.Time
}

// NewIngestor returns an ingestor feeding cache. The archive is optional.
func NewIngestor(cache *Cache, driver archive.Driver) *Ingestor {
	return &Ingestor{cache: cache, archive: driver, archiveTimeout: DefaultArchiveTimeout, now: time.Now}
}

// Handle implements messaging.Handler. Payloads that are not JSON, empty or
// null are rejected and leave the cache untouched.
func (i *Ingestor) Handle(ctx context.Context, topic string, payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return failure.New(failure.IngestMalformed, "reading is empty")
	}
	if !json.Valid(trimmed) {
		return failure.New(failure.IngestMalformed, "reading is not valid JSON")
	}
	snapshot := make(json.RawMessage, len(trimmed))
	copy(snapshot, trimmed)
	i.cache.Put(snapshot)
	rlog := logger.FromContext(ctx)
	rlog.Debugln("sensor snapshot updated")

	if i.archive != nil {
		key := archive.SnapshotKey(i.now())
		archiveCtx, cancel := context.WithTimeout(ctx, i.archiveTimeout)
		err := i.archive.Save(archiveCtx, key, snapshot)
		cancel()
		if err != nil {
			rlog.WithError(err).Warnln("cannot archive snapshot", key)
		}
	}
	return nil
}
