package transport

import (
	"context"
	"time"

	"github.com/nerrad567/mqtt-transport/internal/infrastructure/mqtt"
)

// Conn is one established broker connection, as used by the session.
// *mqtt.Conn implements it.
type Conn interface {
	Publish(topic string, qos byte, retained bool, payload []byte) (mqtt.Token, error)
	Subscribe(filter string, qos byte, handler mqtt.MessageHandler) error
	IsOpen() bool
	Close(quiesce time.Duration)
}

// Dialer opens broker connections. Each call is one attempt; the session
// owns retries.
type Dialer interface {
	Dial(ctx context.Context, opts mqtt.Options) (conn Conn, sessionPresent bool, err error)
}

// PahoDialer dials with the paho-based broker adaptor.
type PahoDialer struct {
	Logger mqtt.Logger
}

// Dial implements Dialer.
func (d PahoDialer) Dial(ctx context.Context, opts mqtt.Options) (Conn, bool, error) {
	if opts.Logger == nil {
		opts.Logger = d.Logger
	}
	c, present, err := mqtt.Dial(ctx, opts)
	if err != nil {
		return nil, false, err
	}
	return c, present, nil
}
