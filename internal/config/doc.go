// Package config handles configuration loading for matrix-wechat.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, for files ending in .toml) with
// environment variable expansion. Defaults are applied before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from MATRIX_WECHAT_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/matrix-wechat/config.yaml
//  4. ~/.config/matrix-wechat/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	appservice:
//	  as_token: "${MATRIX_WECHAT_AS_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	bridge:
//	  max_event_age: "5m"
//	  request_timeout: "30s"
//
// # Sections
//
//   - homeserver: client API address and server name
//   - appservice: listener, tokens, bot identity, provisioning and database
//   - bridge: agent listener, ghost naming, commands, permissions, encryption
//   - tailscale: optional tsnet listener for the agent
//   - logging: level and format (text or json)
package config
