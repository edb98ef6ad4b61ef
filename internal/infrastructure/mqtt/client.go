package mqtt

import (
	"context"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Token is the completion handle of an asynchronous publish.
// paho tokens satisfy it.
type Token interface {
	// WaitTimeout blocks until the operation completes or d elapses.
	// It returns false on timeout.
	WaitTimeout(d time.Duration) bool

	// Error is the operation result, valid once WaitTimeout returned true.
	Error() error
}

// Message is an inbound broker message.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	MessageID uint16
	Duplicate bool
	Retained  bool
}

// MessageHandler is the callback signature for received messages.
//
// With order-preserving delivery, handlers run one at a time on the
// client's delivery goroutine. A slow handler delays acknowledgements.
type MessageHandler func(msg Message)

// Conn is one established broker connection.
//
// A Conn is never reconnected. When the link drops, OnConnectionLost fires
// and the caller dials a new Conn.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Conn struct {
	client           pahomqtt.Client
	url              string
	clientID         string
	subscribeTimeout time.Duration
	logger           Logger
}

// Dial performs a single connection attempt.
//
// It performs the following setup:
//  1. Builds paho options from o (URL, auth, TLS, session, keepalive, LWT)
//  2. Connects, bounded by o.ConnectTimeout and ctx
//  3. Reports whether the broker resumed a stored session
//
// Parameters:
//   - ctx: Cancels the attempt
//   - o: Connection options
//
// Returns:
//   - *Conn: Established connection
//   - bool: Session present flag from CONNACK
//   - error: ErrConnectionFailed or ErrTimeout wrapped with the cause
func Dial(ctx context.Context, o Options) (*Conn, bool, error) {
	if o.URL == "" {
		return nil, false, fmt.Errorf("%w: empty broker URL", ErrConnectionFailed)
	}

	opts := buildClientOptions(o)
	client := pahomqtt.NewClient(opts)

	connectTimeout := opts.ConnectTimeout
	token := client.Connect()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		abandonConnect(client, token)
		return nil, false, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	case <-timer.C:
		abandonConnect(client, token)
		return nil, false, fmt.Errorf("%w: connect to %s after %v", ErrTimeout, o.URL, connectTimeout)
	}

	if err := token.Error(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	sessionPresent := false
	if ct, ok := token.(*pahomqtt.ConnectToken); ok {
		sessionPresent = ct.SessionPresent()
	}

	subscribeTimeout := o.SubscribeTimeout
	if subscribeTimeout <= 0 {
		subscribeTimeout = defaultSubscribeTimeout
	}

	return &Conn{
		client:           client,
		url:              o.URL,
		clientID:         o.ClientID,
		subscribeTimeout: subscribeTimeout,
		logger:           o.Logger,
	}, sessionPresent, nil
}

// abandonConnect makes sure a connect that completes after the caller gave
// up does not leave a live session holding the client id.
func abandonConnect(client pahomqtt.Client, token pahomqtt.Token) {
	go func() {
		<-token.Done()
		if token.Error() == nil {
			client.Disconnect(0)
		}
	}()
}

// URL returns the broker URL this connection was dialled with.
func (c *Conn) URL() string {
	return c.url
}

// ClientID returns the client identifier presented to the broker.
func (c *Conn) ClientID() string {
	return c.clientID
}

// IsOpen reports whether the network connection is currently up.
func (c *Conn) IsOpen() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
//
// Parameters:
//   - quiesce: Time allowed for outstanding work before the socket closes
func (c *Conn) Close(quiesce time.Duration) {
	if quiesce < 0 {
		quiesce = 0
	}
	c.client.Disconnect(uint(quiesce.Milliseconds())) // #nosec G115 -- non-negative
}
