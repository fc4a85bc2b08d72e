package test

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/agriwatch/iot/client"
	"github.com/relabs-tech/agriwatch/iot/control"
)

func (s *IntegrationTestSuite) apiClient() client.Client {
	return client.NewWithURL(s.srv.URL)
}

func (s *IntegrationTestSuite) TestSessionFlow() {
	anonymous := s.apiClient()

	alice, err := anonymous.Register("alice", "wonderland")
	s.Require().NoError(err)
	s.Equal("alice", alice.Username)
	_, err = anonymous.Register("alice", "wonderland")
	s.Equal(http.StatusConflict, client.StatusOf(err))
	s.Equal("Username already exists", err.(*client.Error).Message)

	_, err = anonymous.Login("alice", "wrong")
	s.Equal(http.StatusUnauthorized, client.StatusOf(err))

	session, err := anonymous.Login("alice", "wonderland")
	s.Require().NoError(err)
	s.Require().NotEmpty(session.Token())

	profile, err := session.Profile()
	s.Require().NoError(err)
	s.Equal(alice, profile)

	_, err = session.Data()
	s.Equal(http.StatusNotFound, client.StatusOf(err))
	s.Equal("No data available yet", err.(*client.Error).Message)
	s.cache.Put(json.RawMessage(`{"temperature": 21.5}`))
	data, err := session.Data()
	s.Require().NoError(err)
	s.JSONEq(`{"temperature": 21.5}`, string(data))

	s.Require().NoError(session.Logout())
	_, err = session.Profile()
	s.Equal(http.StatusUnauthorized, client.StatusOf(err))
	s.Equal("Invalid or expired token", err.(*client.Error).Message)

	revoked, err := s.revocations.IsRevoked(context.Background(), session.Token())
	s.Require().NoError(err)
	s.True(revoked)

	health, err := anonymous.Health()
	s.Require().NoError(err)
	s.Equal("ok", health.Status)
}

func (s *IntegrationTestSuite) TestResolveFlow() {
	ctx := context.Background()
	anonymous := s.apiClient()
	_, err := anonymous.Register("operator", "secret")
	s.Require().NoError(err)
	session, err := anonymous.Login("operator", "secret")
	s.Require().NoError(err)

	stored, err := s.pipeline.Ingest(ctx, []byte(`{
		"alerts": [
			{"type": "temp_high", "message": "Temperature above 35°C"},
			{"type": "humidity_low", "message": "Humidity below 20%"}
		],
		"timestamp": "2024-01-01T00:00:00Z",
		"sensorSnapshot": {"temperature": 36.2, "humidity": 18}
	}`))
	s.Require().NoError(err)
	s.Require().Len(stored, 2)

	active, err := session.ActiveAlerts(5)
	s.Require().NoError(err)
	s.Len(active, 2)
	_, err = session.ActiveAlerts(101)
	s.Equal(http.StatusBadRequest, client.StatusOf(err))

	target := stored[0].ID
	resolved, err := session.ResolveAlert(target, "fan_on", "fan-1")
	s.Require().NoError(err)
	s.True(resolved.Handled)

	_, err = session.ResolveAlert(target, "fan_on", "")
	s.Equal(http.StatusBadRequest, client.StatusOf(err))
	_, err = session.ResolveAlert(999999, "fan_on", "fan-1")
	s.Equal(http.StatusNotFound, client.StatusOf(err))
	s.Equal("Alert not found", err.(*client.Error).Message)

	messages := s.publisher.all()
	s.Require().Len(messages, 1)
	s.Equal(controlTopic, messages[0].topic)
	var cmd control.Command
	s.Require().NoError(json.Unmarshal(messages[0].payload, &cmd))
	s.Equal(target, cmd.AlertID)
	s.Equal("fan_on", cmd.Action)
	s.Equal("fan-1", cmd.Device)
	s.Equal("operator", cmd.HandledBy)

	active, err = session.ActiveAlerts(0)
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal(stored[1].ID, active[0].ID)

	history, err := session.AlertHistory()
	s.Require().NoError(err)
	s.Len(history, 2)
}
