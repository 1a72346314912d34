// Package config handles configuration loading for wap-gateway.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, when the file name ends in
// .toml) with environment variable expansion. Load applies defaults and
// validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WAP_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/wap-gateway/gateway.yaml
//  3. ~/.config/wap-gateway/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	channel:
//	  auth_token: "${WAP_TOKEN}"
//
// When no channel-level auth_token is set at all, WAP_AUTH_TOKEN is used.
//
// # Channel and Accounts
//
// The channel block holds the defaults for every account; entries under
// channel.accounts override them field by field. List fields replace the
// channel value instead of merging with it:
//
//	channel:
//	  auth_token: "${WAP_TOKEN}"
//	  dm_policy: "pairing"          # open, pairing, allowlist, disabled
//	  allow_from: ["wxid_owner"]
//	  group_policy: "allowlist"     # open, allowlist, disabled
//	  group_allow_chats: ["123@chatroom"]
//	  require_mention_in_group: true
//	  silent_pairing: true
//	  no_mention_context_groups: ["*"]
//	  no_mention_context_history_limit: 8
//	  accounts:
//	    work:
//	      auth_token: "${WAP_WORK_TOKEN}"
//	      dm_policy: "allowlist"
//
// # Other Sections
//
//	server:
//	  http_addr: "0.0.0.0:8765"     # WebSocket, file relay and API
//	database:
//	  path: "~/.local/share/wap-gateway/gateway.db"
//	relay:
//	  temp_file_ttl: "10m"
//	  download_rate: 5              # per IP, requests per second
//	host:
//	  webhook_url: "http://localhost:3000/wap/inbound"
//	  webhook_timeout: "2m"
//	text:
//	  chunk_limit: 4000
//	  plain_text: true
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
