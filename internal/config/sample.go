// ABOUTME: Sample configuration written by "matrix-wechat init"
// ABOUTME: Tokens are left as environment references so secrets stay out of the file

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Sample is a commented starting configuration.
const Sample = `# matrix-wechat configuration

homeserver:
  # Client-server API of your homeserver
  address: "https://matrix.example.org"
  domain: "example.org"

appservice:
  # URL the homeserver uses to reach the bridge
  address: "http://localhost:17778"
  hostname: "0.0.0.0"
  port: 17778
  id: "wechat"
  bot_username: "wechatbot"
  bot_displayname: "WeChat bridge bot"
  # Copy these from the generated registration file
  as_token: "${MATRIX_WECHAT_AS_TOKEN}"
  hs_token: "${MATRIX_WECHAT_HS_TOKEN}"
  provisioning:
    prefix: "/_matrix/provision/v1"
    shared_secret: "${MATRIX_WECHAT_PROVISIONING_SECRET}"
  database:
    # "sqlite" (pure Go) or "sqlite3" (cgo builds)
    type: "sqlite"
    uri: "matrix-wechat.db"

bridge:
  # The WeChat agent connects here over WebSocket
  listen_address: "0.0.0.0:20572"
  listen_secret: "${MATRIX_WECHAT_AGENT_SECRET}"
  user_prefix: "wechat_"
  command_prefix: "!wechat"
  displayname_template: "{{.Name}} (WeChat)"
  max_event_age: "5m"
  request_timeout: "30s"
  replay_window: "10m"
  encryption:
    allow: false
    default: false
  double_puppet_server_map: {}
  permissions:
    "*": "relay"
    "example.org": "user"
    "@admin:example.org": "admin"

tailscale:
  # Serve the agent listener on your tailnet instead of a TCP port
  enabled: false
  hostname: "matrix-wechat"
  auth_key: "${TS_AUTHKEY}"
  state_dir: ""
  ephemeral: false

logging:
  level: "info"
  format: "text"
`

// ErrExists is returned when init would overwrite a file.
var ErrExists = errors.New("config file already exists")

// WriteSample writes Sample to path, creating parent directories. An existing
// file is left alone unless force is set.
func WriteSample(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(Sample), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
