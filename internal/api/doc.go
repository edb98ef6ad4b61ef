// Package api implements the HTTP API and WebSocket stream for the MQTT transport.
//
// This package provides:
//   - Health and statistics endpoints for monitoring
//   - A publish endpoint feeding the transport's PublishPipeline
//   - A WebSocket hub relaying inbound messages and transport events
//   - Optional HS256 bearer authentication with single-use WebSocket tickets
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Endpoints
//
//	GET  /api/v1/health          transport state, 503 while not connected
//	GET  /api/v1/stats           transport counters
//	POST /api/v1/publish         {"payload": ..., "attributes": {...}}
//	POST /api/v1/auth/ws-ticket  single-use ticket for /ws (auth enabled only)
//	GET  /api/v1/ws              event stream; subscribe to "message" and "event"
//
// # Security
//
// When api.auth.jwt_secret is empty, every endpoint is open. Otherwise publish
// and ticket requests need an Authorization: Bearer token signed with HS256,
// and WebSocket connections need a ticket so the token never appears in URLs.
package api
