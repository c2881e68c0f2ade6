package connection

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// disconnectQuiesce is the time in milliseconds to wait for in-flight
// operations when closing a transport.
const disconnectQuiesce = 500

// MessageHandler is the callback signature for inbound MQTT messages.
//
// Handlers are invoked on the transport's own goroutines and should not
// block for extended periods.
type MessageHandler func(topic string, payload []byte)

// Transport is one physical MQTT connection to the broker.
//
// The interface exists so the Manager can be exercised against a fake in
// tests; the production implementation wraps paho.mqtt.golang with
// mutual-TLS device identity.
type Transport interface {
	// Connect establishes the connection, blocking up to the configured
	// connect timeout.
	Connect() error

	// Subscribe registers a handler for a topic at the given QoS.
	Subscribe(topic string, qos byte, handler MessageHandler) error

	// Publish sends a payload to a topic at the given QoS.
	Publish(topic string, qos byte, payload []byte) error

	// Disconnect tears the connection down, waiting up to quiesceMs for
	// pending operations. Safe to call on an already-closed transport.
	Disconnect(quiesceMs uint)

	// IsConnected reports the transport-level connection state.
	IsConnected() bool
}

// TransportConfig carries everything needed to open one device connection.
type TransportConfig struct {
	// Endpoint is the broker hostname (no scheme, no port).
	Endpoint string

	// Port is the broker TLS port, normally 8883.
	Port int

	// ClientID is the MQTT client identifier; by the broker contract this
	// is the connecting device's identifier.
	ClientID string

	// CertFile and KeyFile are the device's X.509 certificate material.
	CertFile string
	KeyFile  string

	// CAFile is the broker CA certificate shared by all connections.
	CAFile string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// OnConnect fires on every successful (re)connection, including the
	// initial one.
	OnConnect func()

	// OnConnectionLost fires when an established connection drops. The
	// transport keeps reconnecting on its own afterwards.
	OnConnectionLost func(err error)
}

// TransportFactory creates a Transport from a config. The Manager takes a
// factory so tests can substitute fakes.
type TransportFactory func(cfg TransportConfig) (Transport, error)

// pahoTransport implements Transport on top of paho.mqtt.golang.
type pahoTransport struct {
	client         pahomqtt.Client
	connectTimeout time.Duration
}

// NewPahoTransport creates a TLS MQTT transport with mutual authentication.
//
// It configures:
//   - ssl:// broker URL on the given endpoint and port
//   - Client certificate identity plus CA verification
//   - Clean session (the broker keeps no subscription state between
//     sessions, which is why the Manager re-subscribes on reconnect)
//   - Automatic reconnect with paho's built-in backoff
//
// Parameters:
//   - cfg: Transport configuration including certificate paths
//
// Returns:
//   - Transport: Ready-to-connect transport
//   - error: If certificate material cannot be loaded
func NewPahoTransport(cfg TransportConfig) (Transport, error) {
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("ssl://%s:%d", cfg.Endpoint, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetTLSConfig(tlsConfig)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)

	if cfg.OnConnect != nil {
		opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
			cfg.OnConnect()
		})
	}
	if cfg.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			cfg.OnConnectionLost(err)
		})
	}

	return &pahoTransport{
		client:         pahomqtt.NewClient(opts),
		connectTimeout: cfg.ConnectTimeout,
	}, nil
}

// buildTLSConfig loads the device certificate and CA pool.
func buildTLSConfig(cfg TransportConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: loading device certificate: %w", ErrMissingCredentials, err)
	}

	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading CA certificate: %w", ErrMissingCredentials, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parsing CA certificate %s: no certificates found", cfg.CAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Connect establishes the connection, blocking up to the connect timeout.
func (t *pahoTransport) Connect() error {
	token := t.client.Connect()
	if !token.WaitTimeout(t.connectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectFailed, t.connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return nil
}

// Subscribe registers a handler for a topic at the given QoS.
func (t *pahoTransport) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := t.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(t.connectTimeout) {
		return fmt.Errorf("subscribing to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// Publish sends a payload to a topic at the given QoS. The call returns
// after the QoS handshake handled by paho; it does not wait for broker-side
// processing beyond that.
func (t *pahoTransport) Publish(topic string, qos byte, payload []byte) error {
	token := t.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(t.connectTimeout) {
		return fmt.Errorf("publishing to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Disconnect tears the connection down. Paho tolerates disconnecting an
// already-closed client, so teardown is idempotent.
func (t *pahoTransport) Disconnect(quiesceMs uint) {
	t.client.Disconnect(quiesceMs)
}

// IsConnected reports the transport-level connection state.
func (t *pahoTransport) IsConnected() bool {
	return t.client.IsConnected()
}
