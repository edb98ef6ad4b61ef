// Package transport is an MQTT transport for an event pipeline.
//
// It turns raw connection parameters into a validated ConnectionConfig,
// owns one broker session per Transport, publishes outgoing events and
// delivers inbound messages to a Handler.
//
// Components:
//   - ConnectionConfig: immutable, validated parameters (NewConnectionConfig)
//   - TopicTemplate: $name / ${name} placeholders resolved per message
//   - SessionManager: connect/reconnect state machine, outbound queue, in-flight window
//   - PublishPipeline: encoding, topic resolution, offline buffer
//   - SubscriptionRouter: subscription on every connect, duplicate suppression
//   - MessageStore: optional persistence of unacknowledged QoS>0 messages
//
// Delivery semantics:
//   - clean session off: unacknowledged QoS>0 messages are resent, in
//     order, ahead of new traffic after a reconnect (at least once)
//   - clean session on: everything queued before a reconnect is
//     discarded and reported with EventSessionReset
//
// Usage:
//
//	cfg, err := transport.NewConnectionConfig(params)
//	if err != nil {
//	    return err
//	}
//	t, err := transport.New(cfg, transport.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	if err := t.Start(); err != nil {
//	    return err
//	}
//	defer t.Stop(context.Background())
//
//	err = t.Publish(ctx, payload, map[string]string{"id": "42"})
package transport
