/*Package kafka provides a Kafka transport for the service.

MQTT style topic names are mapped to Kafka topic names by replacing '/' with
'.', so "agri/alerts" becomes "agri.alerts". Every routed topic gets its own
consumer group reader. Offsets are committed after the message was handed to
the router, regardless of the handler's result, since failed messages are
dropped anyway.
*/
package kafka

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/agriwatch/core/logger"
	"github.com/relabs-tech/agriwatch/iot/messaging"
)

// Defaults
const (
	DefaultGroupID = "agriwatch"
	DefaultBackoff = 3 * time.Second
)

// Transport is a Kafka implementation of messaging.Transport
type Transport struct {
	router  *messaging.Router
	brokers []string
	groupID string
	backoff time.Duration
	writer  *kafka.Writer
	healthy atomic.Bool
}

// Builder is a builder helper for the Transport
type Builder struct {
	// Router receives inbound messages. This is mandatory.
	Router *messaging.Router
	// Brokers is the list of Kafka bootstrap brokers. This is mandatory.
	Brokers []string
	// GroupID is the consumer group. Default is DefaultGroupID.
	GroupID string
	// Backoff is the fixed wait after a failed fetch. Default is DefaultBackoff.
	Backoff time.Duration
}

// New returns a new transport. It will not consume until you call Run()
func New(b *Builder) *Transport {
	if b.Router == nil {
		panic("router is missing")
	}
	if len(b.Brokers) == 0 {
		panic("kafka brokers missing")
	}
	t := &Transport{
		router:  b.Router,
		brokers: b.Brokers,
		groupID: b.GroupID,
		backoff: b.Backoff,
	}
	if len(t.groupID) == 0 {
		t.groupID = DefaultGroupID
	}
	if t.backoff <= 0 {
		t.backoff = DefaultBackoff
	}
	t.writer = &kafka.Writer{
		Addr:                   kafka.TCP(b.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return t
}

// TopicName maps a topic to its Kafka name
func TopicName(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// Name implements messaging.Transport
func (t *Transport) Name() string { return "kafka" }

// Connected implements messaging.Transport. It reports true once a fetch
// succeeded and false after a failed fetch until the next one succeeds.
func (t *Transport) Connected() bool {
	return t.healthy.Load()
}

// Run consumes all routed topics until ctx is done.
func (t *Transport) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, topic := range t.router.Topics() {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			t.consume(ctx, topic)
		}(topic)
	}
	wg.Wait()
	t.healthy.Store(false)
	return t.writer.Close()
}

func (t *Transport) consume(ctx context.Context, topic string) {
	rlog := logger.FromContext(ctx).WithField("kafkaTopic", TopicName(topic))
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  t.brokers,
		GroupID:  t.groupID,
		Topic:    TopicName(topic),
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	defer reader.Close()
	rlog.Infoln("consuming topic:", topic)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.healthy.Store(false)
			rlog.WithError(err).Warnf("kafka fetch failed, retrying in %s", t.backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.backoff):
			}
			continue
		}
		t.healthy.Store(true)
		t.router.Deliver(ctx, topic, msg.Value)
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			rlog.WithError(err).Errorln("cannot commit offset")
		}
	}
}

// Publish implements messaging.Publisher
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicName(topic),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}
