// Package mqtt is the broker adaptor: a thin wrapper over paho.mqtt.golang
// that performs exactly one connection attempt per Dial.
//
// This package manages:
//   - Building paho options (tcp:// or ssl:// URL, TLS 1.2 minimum, auth, LWT)
//   - Connecting with a timeout and reporting the CONNACK session-present flag
//   - Asynchronous publishing that returns a completion token
//   - Subscriptions with SUBACK timeout and handler panic recovery
//   - Topic and filter validation and wildcard matching
//
// Reconnection, queueing and redelivery are deliberately absent. The
// transport's session manager owns them and dials a new Conn after every
// connection loss.
//
// # Security Considerations
//
//   - Use ssl:// with a CA bundle outside local development
//   - Credentials are sent only when a username is configured
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	conn, sessionPresent, err := mqtt.Dial(ctx, mqtt.Options{
//	    URL:          mqtt.BrokerURL("localhost", 1883, false),
//	    ClientID:     "edge-01",
//	    CleanSession: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer conn.Close(time.Second)
//
//	tok, err := conn.Publish("sensors/42/temp", 1, false, []byte("21.5"))
//	if err == nil && tok.WaitTimeout(5*time.Second) {
//	    err = tok.Error()
//	}
package mqtt
