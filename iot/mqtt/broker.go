package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/agriwatch/core/logger"
	"github.com/relabs-tech/agriwatch/iot/messaging"
)

// DefaultBrokerAddress is the listen address of the embedded broker
const DefaultBrokerAddress = ":1883"

// Broker is an embedded MQTT broker. Sensor gateways connect to it directly,
// messages they publish on routed topics are delivered to the router.
type Broker struct {
	p       *plugin
	ln      net.Listener
	running atomic.Bool
}

// BrokerBuilder is a builder helper for the Broker
type BrokerBuilder struct {
	// Router receives inbound messages. This is mandatory.
	Router *messaging.Router
	// Address is the TCP listen address. Default is DefaultBrokerAddress.
	Address string
	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
	// CACertFile optionally requires clients to present a certificate signed by this CA.
	CACertFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	router *messaging.Router

	mu      sync.RWMutex
	service gmqtt.Server
}

// NewBroker returns a new broker listening on the configured address. The
// broker will not actually run until you call Run()
func NewBroker(bb *BrokerBuilder) *Broker {
	if bb.Router == nil {
		panic("router is missing")
	}
	address := bb.Address
	if len(address) == 0 {
		address = DefaultBrokerAddress
	}

	var ln net.Listener
	var err error
	if len(bb.CertFile) > 0 && len(bb.KeyFile) > 0 {
		crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{crt}}
		if len(bb.CACertFile) > 0 {
			caCert, err := os.ReadFile(bb.CACertFile)
			if err != nil {
				panic(err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				panic("no certificates in " + bb.CACertFile)
			}
			tlsConfig.ClientCAs = caCertPool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
		ln, err = tls.Listen("tcp", address, tlsConfig)
		if err != nil {
			panic(err)
		}
	} else {
		ln, err = net.Listen("tcp", address)
		if err != nil {
			panic(err)
		}
	}

	return &Broker{
		p:  &plugin{router: bb.Router},
		ln: ln,
	}
}

// Addr returns the address the broker listens on
func (b *Broker) Addr() net.Addr {
	return b.ln.Addr()
}

// Name implements messaging.Transport
func (b *Broker) Name() string { return "embedded" }

// Connected implements messaging.Transport. The embedded broker is
// connected while it runs.
func (b *Broker) Connected() bool {
	return b.running.Load()
}

// Run is blocking and runs the broker until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.running.Store(true)
	rlog.Infoln("embedded mqtt broker listening on", b.ln.Addr())

	<-ctx.Done()
	b.running.Store(false)
	err := s.Stop(context.Background())
	rlog.Infoln("embedded mqtt broker stopped")
	return err
}

// Publish implements messaging.Publisher. Messages are published with
// quality level 1.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.p.mu.RLock()
	service := b.p.service
	b.p.mu.RUnlock()
	if service == nil || !b.running.Load() {
		return errors.New("embedded broker is not running")
	}
	logger.FromContext(ctx).Debugf("publish on %s (%d bytes)", topic, len(payload))
	service.PublishService().Publish(gmqtt.NewMessage(topic, payload, packets.QOS_1))
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.service = nil
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "agriwatch router" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnAcceptWrapper logs the certificate common name of TLS clients
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				logger.Default().WithError(err).Warnln("tls handshake failed", conn.RemoteAddr())
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.PeerCertificates) > 0 {
				logger.Default().Infoln("accept", state.PeerCertificates[0].Subject.CommonName)
			}
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper logs connecting clients
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		logger.Default().Infoln("mqtt client connected:", client.OptionsReader().ClientID())
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper hands messages on routed topics to the router. The
// message is still delivered to subscribers of the broker.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		p.router.Deliver(context.WithoutCancel(ctx), msg.Topic(), msg.Payload())
		return arrived(ctx, client, msg)
	}
}
