package mqtt

import (
	"context"
	"errors"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/relabs-tech/agriwatch/core/logger"
	"github.com/relabs-tech/agriwatch/iot/messaging"
)

// Client defaults
const (
	DefaultBrokerURL       = "mqtts://broker.hivemq.com:8883"
	DefaultReconnectPeriod = 3 * time.Second
)

// Client is a connection to a remote MQTT broker. It subscribes to all
// topics of the router and reconnects on its own, with a fixed period
// and without limit.
type Client struct {
	router *messaging.Router
	qos    byte
	client paho.Client
}

// ClientBuilder is a builder helper for the Client
type ClientBuilder struct {
	// Router receives inbound messages. This is mandatory.
	Router *messaging.Router
	// BrokerURL is the broker, e.g. "mqtts://host:8883". Default is DefaultBrokerURL.
	BrokerURL string
	Username  string
	Password  string
	// ClientID defaults to "agriwatch-" plus a random suffix.
	ClientID string
	// ReconnectPeriod is the fixed backoff between connection attempts.
	// Default is DefaultReconnectPeriod.
	ReconnectPeriod time.Duration
	// QoS is used for subscriptions and publishes. Default is 1.
	QoS *byte
}

// NewClient returns a new client. The client will not connect until you call Run()
func NewClient(cb *ClientBuilder) *Client {
	if cb.Router == nil {
		panic("router is missing")
	}
	c := &Client{router: cb.Router, qos: 1}
	if cb.QoS != nil {
		c.qos = *cb.QoS
	}
	c.client = paho.NewClient(c.options(cb))
	return c
}

func (c *Client) options(cb *ClientBuilder) *paho.ClientOptions {
	brokerURL := cb.BrokerURL
	if len(brokerURL) == 0 {
		brokerURL = DefaultBrokerURL
	}
	clientID := cb.ClientID
	if len(clientID) == 0 {
		clientID = "agriwatch-" + uuid.New().String()[:8]
	}
	period := cb.ReconnectPeriod
	if period <= 0 {
		period = DefaultReconnectPeriod
	}
	rlog := logger.Default().WithField("broker", brokerURL)

	return paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetUsername(cb.Username).
		SetPassword(cb.Password).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(period).
		SetMaxReconnectInterval(period).
		SetOnConnectHandler(func(client paho.Client) {
			rlog.Infoln("connected to mqtt broker")
			c.subscribe(client)
		}).
		SetReconnectingHandler(func(client paho.Client, opts *paho.ClientOptions) {
			rlog.Infoln("reconnecting to mqtt broker")
		}).
		SetConnectionLostHandler(func(client paho.Client, err error) {
			rlog.WithError(err).Warnln("mqtt connection lost")
		})
}

// subscribe is called on every (re)connect since the session is clean
func (c *Client) subscribe(client paho.Client) {
	for _, topic := range c.router.Topics() {
		topic := topic
		token := client.Subscribe(topic, c.qos, func(_ paho.Client, msg paho.Message) {
			c.router.Deliver(context.Background(), msg.Topic(), msg.Payload())
		})
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				logger.Default().WithError(err).Errorln("mqtt subscribe error:", topic)
				return
			}
			logger.Default().Infoln("subscribed to topic:", topic)
		}()
	}
}

// Name implements messaging.Transport
func (c *Client) Name() string { return "mqtt" }

// Connected implements messaging.Transport
func (c *Client) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Run connects to the broker and blocks until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.client.Connect()
	<-ctx.Done()
	c.client.Disconnect(250)
	logger.FromContext(ctx).Infoln("mqtt connection closed")
	return nil
}

// Publish implements messaging.Publisher. It waits for the broker's
// acknowledgement or until ctx is done.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return errors.New("mqtt client is offline")
	}
	token := c.client.Publish(topic, c.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
