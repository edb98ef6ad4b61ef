package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe registers a handler for messages matching filter and waits for
// the SUBACK.
//
// Filters can include MQTT wildcards:
//   - + (single-level): "sensors/+/temp"
//   - # (multi-level): "sensors/#"
//
// Subscriptions are not restored by the adaptor. A new Conn starts with
// none, and the caller subscribes again after every Dial.
//
// Parameters:
//   - filter: The topic filter to subscribe to
//   - qos: Maximum QoS level for received messages (0, 1, or 2)
//   - handler: Callback invoked for each message
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Conn) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsOpen() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(filter, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(c.subscribeTimeout) {
		return fmt.Errorf("%w: %w after %v", ErrSubscribeFailed, ErrTimeout, c.subscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	// paho reports broker refusals (return code 0x80) through the result map.
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		if code, found := st.Result()[filter]; found && code > maxQoS {
			return fmt.Errorf("%w: broker rejected %q", ErrSubscribeFailed, filter)
		}
	}

	return nil
}

// wrapHandler converts paho messages and recovers handler panics so a
// faulty handler cannot kill the delivery goroutine.
func (c *Conn) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil && c.logger != nil {
				c.logger.Error("MQTT handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}()

		handler(Message{
			Topic:     msg.Topic(),
			Payload:   msg.Payload(),
			QoS:       msg.Qos(),
			MessageID: msg.MessageID(),
			Duplicate: msg.Duplicate(),
			Retained:  msg.Retained(),
		})
	}
}
