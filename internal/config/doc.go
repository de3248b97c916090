// Package config loads the meter-gateway YAML configuration.
//
// A complete file looks like:
//
//	server:
//	  http_addr: ":8080"
//	  read_header_timeout: 10s
//	  write_timeout: 0s          # 0 disables; SSE channels need no write deadline
//
//	database:
//	  path: "/var/lib/meter-gateway/gateway.db"
//
//	auth:
//	  jwt_secret: "${METER_JWT_SECRET}"
//	  token_ttl: 24h
//	  rotation_grace: 24h
//	  bcrypt_cost: 10
//
//	limits:
//	  window: 1m
//	  auth: 10       # auth attempts per caller per window
//	  agent: 120     # diagnostic traffic
//	  ping: 600      # heartbeats
//
//	diagnostics:
//	  cooldown: 60s
//	  session_timeout: 30s
//
//	channels:
//	  keepalive_interval: 30s
//
//	logging:
//	  level: info
//	  format: text
//
//	metrics:
//	  enabled: true
//	  path: /metrics
//
// ${VAR} references are expanded from the environment before parsing, so
// secrets can stay out of the file. Durations use Go syntax ("30s", "24h").
// Every field except server.http_addr, database.path and auth.jwt_secret has
// a usable default.
package config
