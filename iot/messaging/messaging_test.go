package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/agriwatch/core/logger"
)

func TestRouterDeliver(t *testing.T) {
	r := NewRouter()
	var got []string
	r.Handle("agri/data", func(ctx context.Context, topic string, payload []byte) error {
		got = append(got, topic+":"+string(payload))
		return nil
	})

	require.NoError(t, r.Deliver(context.Background(), "agri/data", []byte(`{"t":21}`)))
	assert.Equal(t, []string{`agri/data:{"t":21}`}, got)

	// unknown topics are ignored
	assert.NoError(t, r.Deliver(context.Background(), "agri/other", []byte(`{}`)))
	assert.Len(t, got, 1)
}

func TestRouterIsolatesFailures(t *testing.T) {
	r := NewRouter()
	calls := 0
	r.Handle("agri/alerts", func(ctx context.Context, topic string, payload []byte) error {
		calls++
		switch string(payload) {
		case "panic":
			panic("boom")
		case "fail":
			return errors.New("cannot store")
		}
		return nil
	})

	err := r.Deliver(context.Background(), "agri/alerts", []byte("panic"))
	assert.ErrorContains(t, err, "recovered from panic: boom")
	err = r.Deliver(context.Background(), "agri/alerts", []byte("fail"))
	assert.ErrorContains(t, err, "cannot store")
	assert.NoError(t, r.Deliver(context.Background(), "agri/alerts", []byte("ok")))
	assert.Equal(t, 3, calls)
}

func TestRouterDeliveryLogger(t *testing.T) {
	r := NewRouter()
	r.Handle("agri/data", func(ctx context.Context, topic string, payload []byte) error {
		rlog := logger.FromContext(ctx)
		assert.Equal(t, "agri/data", rlog.Data["topic"])
		assert.NotEmpty(t, rlog.Data["deliveryID"])
		return nil
	})
	require.NoError(t, r.Deliver(context.Background(), "agri/data", nil))
}

func TestRouterTopics(t *testing.T) {
	r := NewRouter()
	assert.Empty(t, r.Topics())
	noop := func(ctx context.Context, topic string, payload []byte) error { return nil }
	r.Handle("agri/data", noop)
	r.Handle("agri/alerts", noop)
	r.Handle("agri/data", noop)
	assert.Equal(t, []string{"agri/alerts", "agri/data"}, r.Topics())
}
