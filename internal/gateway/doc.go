// Package gateway wires the bridge's components together and runs them.
//
// # Overview
//
// The Gateway owns the store, the Matrix intents, the agent transport and
// the bridge core, and serves two listeners:
//
//   - the appservice listener (appservice.hostname:port) carrying the
//     homeserver transaction API, the provisioning API and health checks
//   - the agent listener (bridge.listen_address) where the WeChat agent
//     connects over WebSocket, optionally exposed only on a tailnet
//
// # HTTP Routes
//
//   - PUT /_matrix/app/v1/transactions/{txnId} - Homeserver pushes
//   - GET /_matrix/app/v1/users/{userId} - User queries
//   - POST /_matrix/app/v1/ping - Homeserver ping
//   - /_matrix/provision/v1/... - Provisioning API (when a secret is set)
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once an agent is connected
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	err = gw.Run(ctx)
//
// Run returns after ctx is cancelled and every component has shut down.
package gateway
