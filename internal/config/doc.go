// Package config handles configuration loading for wagate.
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
//	auth:
//	  api_key: "${WAGATE_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	engine:
//	  qr_timeout: "60s"
//	  reconnect_delay: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:3000"   # API, webhooks, websocket
//
// Database:
//
//	database:
//	  path: "/var/lib/wagate/wagate.db"
//
// Redis (optional; empty addr falls back to in-memory queueing and
// process-local locking):
//
//	redis:
//	  addr: "localhost:6379"
//	  password: "${REDIS_PASSWORD}"
//	  db: 0
//
// Engine timing:
//
//	engine:
//	  broker_url: "wss://broker.example.com/ws"
//	  qr_timeout: "60s"
//	  max_qr_attempts: 1
//	  reconnect_delay: "5s"
//	  max_reconnects: 5
//
// Webhook delivery:
//
//	webhook:
//	  admin_url: "https://admin.example.com/webhook"
//	  admin_secret: "${WAGATE_WEBHOOK_SECRET}"
//	  batch_size: 5
//	  poll_interval: "1s"
//	  max_retries: 3
//	  request_timeout: "10s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/wagate/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
