package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/agriwatch/core/failure"
	"github.com/relabs-tech/agriwatch/iot/alerts"
)

func TestIntegrationTestSuite(t *testing.T) {
	skipWithoutDocker(t)
	suite.Run(t, new(IntegrationTestSuite))
}

func (s *IntegrationTestSuite) TestAccounts() {
	ctx := context.Background()

	alice, err := s.accounts.Register(ctx, "alice", "wonderland")
	s.Require().NoError(err)
	s.Greater(alice.ID, int64(0))
	s.Equal("alice", alice.Username)

	_, err = s.accounts.Register(ctx, "alice", "other")
	s.True(failure.IsKind(err, failure.Conflict))
	s.Equal("Username already exists", failure.Message(err))

	identity, err := s.accounts.Authenticate(ctx, "alice", "wonderland")
	s.Require().NoError(err)
	s.Equal(alice, identity)

	_, err = s.accounts.Authenticate(ctx, "alice", "wrong")
	s.True(failure.IsKind(err, failure.Unauthenticated))
	_, err = s.accounts.Authenticate(ctx, "bob", "wonderland")
	s.True(failure.IsKind(err, failure.Unauthenticated))
	s.Equal("Invalid credentials", failure.Message(err))

	found, err := s.accounts.Lookup(ctx, alice.ID)
	s.Require().NoError(err)
	s.Equal(alice, found)
	_, err = s.accounts.Lookup(ctx, alice.ID+100)
	s.True(failure.IsKind(err, failure.NotFound))
}

func (s *IntegrationTestSuite) TestRevocations() {
	ctx := context.Background()
	now := time.Now()

	revoked, err := s.revocations.IsRevoked(ctx, "token-a")
	s.Require().NoError(err)
	s.False(revoked)

	s.Require().NoError(s.revocations.Revoke(ctx, "token-a", now.Add(time.Hour)))
	s.Require().NoError(s.revocations.Revoke(ctx, "token-a", now.Add(time.Hour)))
	s.Require().NoError(s.revocations.Revoke(ctx, "token-b", now.Add(-time.Minute)))

	revoked, err = s.revocations.IsRevoked(ctx, "token-a")
	s.Require().NoError(err)
	s.True(revoked)

	purged, err := s.revocations.PurgeExpired(ctx, now)
	s.Require().NoError(err)
	s.Equal(int64(1), purged)

	revoked, err = s.revocations.IsRevoked(ctx, "token-b")
	s.Require().NoError(err)
	s.False(revoked)
	revoked, err = s.revocations.IsRevoked(ctx, "token-a")
	s.Require().NoError(err)
	s.True(revoked)
}

func (s *IntegrationTestSuite) TestAlertStore() {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	older, err := s.store.Insert(ctx, alerts.NewAlert{Type: "humidity_low", Message: "dry", Timestamp: base})
	s.Require().NoError(err)
	newer, err := s.store.Insert(ctx, alerts.NewAlert{
		Type:       "temp_high",
		Message:    "hot",
		Timestamp:  base.Add(time.Minute),
		SensorData: json.RawMessage(`{"temperature": 36.2}`),
	})
	s.Require().NoError(err)
	s.False(newer.Handled)
	s.JSONEq(`{"temperature": 36.2}`, string(newer.SensorData))
	s.Nil(older.SensorData)

	active, err := s.store.ListActive(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(active, 2)
	s.Equal(newer.ID, active[0].ID)
	s.Equal(older.ID, active[1].ID)
	s.True(base.Add(time.Minute).Equal(active[0].Timestamp))

	active, err = s.store.ListActive(ctx, 1)
	s.Require().NoError(err)
	s.Len(active, 1)

	handled, transitioned, err := s.store.MarkHandled(ctx, newer.ID)
	s.Require().NoError(err)
	s.True(transitioned)
	s.True(handled.Handled)

	_, transitioned, err = s.store.MarkHandled(ctx, newer.ID)
	s.Require().NoError(err)
	s.False(transitioned)

	_, _, err = s.store.MarkHandled(ctx, newer.ID+100)
	s.True(failure.IsKind(err, failure.NotFound))

	active, err = s.store.ListActive(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal(older.ID, active[0].ID)

	history, err := s.store.ListHistory(ctx)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(newer.ID, history[0].ID)
	s.True(history[0].Handled)
}

func (s *IntegrationTestSuite) TestConcurrentMarkHandled() {
	ctx := context.Background()
	alert, err := s.store.Insert(ctx, alerts.NewAlert{Type: "t", Message: "m", Timestamp: time.Now()})
	s.Require().NoError(err)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, transitioned, err := s.store.MarkHandled(ctx, alert.ID)
			if err == nil {
				results <- transitioned
			}
		}()
	}
	wg.Wait()
	close(results)

	count, transitions := 0, 0
	for transitioned := range results {
		count++
		if transitioned {
			transitions++
		}
	}
	s.Equal(workers, count)
	s.Equal(1, transitions)
}

func (s *IntegrationTestSuite) TestMalformedBatchPersistsNothing() {
	ctx := context.Background()
	_, err := s.pipeline.Ingest(ctx, []byte(`{"alerts":[{"type":"a","message":"ok"},{"message":"no type"}]}`))
	s.True(failure.IsKind(err, failure.IngestMalformed))

	history, err := s.store.ListHistory(ctx)
	s.Require().NoError(err)
	s.Empty(history)
}
