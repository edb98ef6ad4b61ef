package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout   = 10 * time.Second
	defaultSubscribeTimeout = 5 * time.Second
	defaultKeepAlive        = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Will is a Last Will and Testament published by the broker when the
// connection drops without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Options describes a single connection attempt.
//
// The adaptor never reconnects on its own: each Dial builds a fresh paho
// client with auto-reconnect and connect-retry switched off, so the caller
// owns the retry policy and the outbound queue.
type Options struct {
	// URL is the broker address, tcp://host:port or ssl://host:port.
	URL string

	ClientID string
	Username string
	Password string

	// TLS is used for ssl:// URLs. When nil a TLS 1.2 minimum config is used.
	TLS *tls.Config

	CleanSession     bool
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration

	// Will is optional.
	Will *Will

	// OnConnectionLost is invoked from a paho goroutine when an established
	// connection drops. It must not block.
	OnConnectionLost func(err error)

	// Logger receives handler panics and errors. Optional.
	Logger Logger
}

// BrokerURL builds the connection URL for host and port.
//
// Example: BrokerURL("broker.local", 8883, true) == "ssl://broker.local:8883"
func BrokerURL(host string, port int, useTLS bool) string {
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// TLSConfig builds a client TLS configuration.
//
// Parameters:
//   - caFile: PEM bundle of trusted roots; empty uses the system pool
//   - insecureSkipVerify: disables certificate verification (development only)
//
// Returns:
//   - *tls.Config: Configuration with TLS 1.2 minimum
//   - error: If the CA file cannot be read or contains no certificates
func TLSConfig(caFile string, insecureSkipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tlsMinVersion,
		InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // Opt-in via config
	}

	if caFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("CA file %s contains no certificates", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// buildClientOptions creates paho options for one connection attempt.
//
// This configures:
//   - Broker URL and client identification
//   - Authentication credentials (if provided)
//   - Clean session flag and keepalive
//   - TLS configuration for ssl:// URLs
//   - Optional Last Will and Testament
//   - Auto-reconnect and connect-retry disabled
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.URL)
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetCleanSession(o.CleanSession)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetResumeSubs(false)

	// A new client (and store) per attempt means paho never replays
	// messages itself; redelivery is driven from the caller's queue.
	opts.SetStore(pahomqtt.NewMemoryStore())

	// Deliver inbound messages one at a time in arrival order.
	opts.SetOrderMatters(true)

	connectTimeout := o.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(connectTimeout)

	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if isTLSURL(o.URL) {
		tlsConfig := o.TLS
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tlsMinVersion}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if o.Will != nil && o.Will.Topic != "" {
		opts.SetBinaryWill(o.Will.Topic, o.Will.Payload, o.Will.QoS, o.Will.Retain)
	}

	if o.OnConnectionLost != nil {
		lost := o.OnConnectionLost
		opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			lost(err)
		})
	}

	return opts
}

func isTLSURL(url string) bool {
	return strings.HasPrefix(url, "ssl://") || strings.HasPrefix(url, "tls://")
}
