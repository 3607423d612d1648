// Package appservice serves the Matrix application service API.
//
// The homeserver pushes events to the bridge in transactions:
//
//	PUT /_matrix/app/v1/transactions/{txnId}
//
// Every event of an accepted transaction is handed to an EventHandler in
// order. A transaction id seen inside the replay window is acknowledged
// without being processed again. The legacy unprefixed paths are served as
// well for homeservers that still use them.
//
// Requests authenticate with the registration's hs_token, either as
// "Authorization: Bearer <token>" or the access_token query parameter.
//
// The package also builds the registration file the homeserver loads.
package appservice
