package test

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/agriwatch/iot/control"
	iotkafka "github.com/relabs-tech/agriwatch/iot/kafka"
	"github.com/relabs-tech/agriwatch/iot/messaging"
)

// TestKafkaTransport routes an alert batch through Kafka into Postgres and
// reads the resulting control command back from Kafka.
func (s *IntegrationTestSuite) TestKafkaTransport() {
	const dataTopic, alertsTopic = "agri/data", "agri/alerts"
	for _, topic := range []string{dataTopic, alertsTopic, controlTopic} {
		s.Require().NoError(s.createTopic(iotkafka.TopicName(topic), 1))
	}

	router := messaging.NewRouter()
	transport := iotkafka.New(&iotkafka.Builder{
		Router:  router,
		Brokers: []string{s.kafkaAddr},
		GroupID: "agriwatch-test",
		Backoff: 500 * time.Millisecond,
	})
	router.Handle(dataTopic, func(ctx context.Context, topic string, payload []byte) error {
		s.cache.Put(payload)
		return nil
	})
	router.Handle(alertsTopic, s.pipeline.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.Run(ctx) }()
	defer func() {
		cancel()
		s.NoError(<-done)
	}()

	s.Require().NoError(transport.Publish(ctx, dataTopic, []byte(`{"temperature": 21.5}`)))
	s.Require().NoError(transport.Publish(ctx, alertsTopic, []byte(`{"alerts":[{"type":"temp_high","message":"hot"}]}`)))

	s.Require().Eventually(func() bool {
		history, err := s.store.ListHistory(context.Background())
		return err == nil && len(history) == 1
	}, 60*time.Second, 250*time.Millisecond)
	s.Require().Eventually(func() bool {
		_, err := s.cache.Get()
		return err == nil
	}, 10*time.Second, 100*time.Millisecond)

	history, err := s.store.ListHistory(ctx)
	s.Require().NoError(err)
	dispatcher := control.NewDispatcher(transport, controlTopic)
	dispatcher.Dispatch(ctx, control.Command{AlertID: history[0].ID, Action: "fan_on", Device: "fan-1", HandledBy: "operator"})

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{s.kafkaAddr},
		Topic:     iotkafka.TopicName(controlTopic),
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()
	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()
	msg, err := reader.ReadMessage(readCtx)
	s.Require().NoError(err)

	var cmd control.Command
	s.Require().NoError(json.Unmarshal(msg.Value, &cmd))
	s.Equal(history[0].ID, cmd.AlertID)
	s.Equal("fan-1", cmd.Device)
	s.True(transport.Connected())
}
