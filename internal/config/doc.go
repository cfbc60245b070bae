// Package config handles configuration loading for crewhub-connectd.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	connections:
//	  - id: "gw-main"
//	    type: "openclaw"
//	    config:
//	      token: "${CREWHUB_GATEWAY_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	health:
//	  interval: "30s"
//	sessions:
//	  feed_interval: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Store:
//
//	store:
//	  path: "/var/lib/crewhub/connect.db"
//
// Connections registered at startup:
//
//	connections:
//	  - id: "gw-main"
//	    name: "Main Gateway"
//	    type: "openclaw"
//	    auto_connect: true
//	    config:
//	      url: "ws://localhost:18789"
//	      token: "${CREWHUB_GATEWAY_TOKEN}"
//	  - id: "claude-local"
//	    type: "claude_code"
//	    auto_connect: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Store path presence
//   - Connection id uniqueness
//   - Connection type values
//   - Duration format validity
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/crewhub/connectd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
