/*Package control publishes device control commands.

A command is emitted when an operator resolves an alert. Delivery is
fire-and-forget: a failed publish is logged and not retried, the resolved
alert stays resolved.
*/
package control

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/agriwatch/core/logger"
	"github.com/relabs-tech/agriwatch/iot/messaging"
)

// DefaultPublishTimeout bounds a single publish
const DefaultPublishTimeout = 5 * time.Second

// Command is a device control command
type Command struct {
	AlertID   int64     `json:"alertId"`
	Action    string    `json:"action"`
	Device    string    `json:"device"`
	HandledBy string    `json:"handledBy"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher publishes commands to the control topic
type Dispatcher struct {
	publisher messaging.Publisher
	topic     string
	timeout   time.Duration
}

// NewDispatcher returns a dispatcher publishing to topic
func NewDispatcher(publisher messaging.Publisher, topic string) *Dispatcher {
	if publisher == nil {
		panic("publisher is missing")
	}
	if len(topic) == 0 {
		panic("control topic is missing")
	}
	return &Dispatcher{publisher: publisher, topic: topic, timeout: DefaultPublishTimeout}
}

// Dispatch publishes cmd. Failures are logged only. Cancellation of ctx is
// ignored, the publish is bounded by the dispatcher's own timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) {
	rlog := logger.FromContext(ctx).WithField("alertId", cmd.AlertID)
	payload, err := json.Marshal(cmd)
	if err != nil {
		rlog.WithError(err).Errorln("cannot encode control command")
		return
	}

	// the alert is already handled, a client leaving must not stop the command
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.publisher.Publish(ctx, d.topic, payload); err != nil {
		rlog.WithError(err).Errorf("cannot publish control for %s: %s", cmd.Device, cmd.Action)
		return
	}
	rlog.Infof("published control for %s: %s", cmd.Device, cmd.Action)
}
