/*Package messaging connects the service to a publish/subscribe transport.

A Router maps topics to handlers. Transports (see packages iot/mqtt and
iot/kafka) subscribe to the router's topics and hand every inbound message
to Router.Deliver. Each delivery is isolated: a handler error or panic is
logged and the message is dropped, subsequent messages are processed as
usual.
*/
package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/relabs-tech/agriwatch/core/logger"
)

// Handler processes one inbound message
type Handler func(ctx context.Context, topic string, payload []byte) error

// Publisher publishes messages to a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Transport is a connection to a message broker. Run blocks until ctx is
// done and reconnects on its own.
type Transport interface {
	Publisher
	// Name returns a short name for health reports, e.g. "mqtt"
	Name() string
	// Connected returns true if the transport currently has a live connection
	Connected() bool
	Run(ctx context.Context) error
}

// Router dispatches inbound messages by topic
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter returns an empty router
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers h for topic. A second registration for the same topic
// replaces the first one.
func (r *Router) Handle(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
}

// Topics returns the sorted list of topics with a handler
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Deliver hands payload to the handler of topic. The handler runs with a
// delivery logger in its context. Errors and panics are logged and returned,
// they never propagate further.
func (r *Router) Deliver(ctx context.Context, topic string, payload []byte) error {
	r.mu.RLock()
	h, ok := r.handlers[topic]
	r.mu.RUnlock()

	ctx, rlog := logger.ContextWithDeliveryLogger(ctx, topic)
	if !ok {
		rlog.Debugln("no handler, message ignored")
		return nil
	}
	rlog.Debugf("message arrived (%d bytes)", len(payload))

	err := callWithPanicEnvelope(ctx, h, topic, payload)
	if err != nil {
		rlog.WithError(err).Errorln("message dropped")
	}
	return err
}

func callWithPanicEnvelope(ctx context.Context, h Handler, topic string, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	err = h(ctx, topic, payload)
	return
}
