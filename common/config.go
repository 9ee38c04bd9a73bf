// Copyright 2021-2022 The livefeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters. These only apply to the relay's long lived
	// connection; a watcher session owns its own reconnect policy.
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero value means there will be no timeout.
	// Long lived stream and websocket sessions require this to be zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// STOMP heart-beat Config

// HeartbeatConfig defines the STOMP heart-beat intervals a party offers
type HeartbeatConfig struct {
	// Outgoing is the interval the party can send heart-beats at in ms. 0 disables.
	Outgoing int `mapstructure:"outgoing_ms" json:"outgoing_ms" validate:"gte=0"`
	// Incoming is the interval the party wants to receive heart-beats at in ms. 0 disables.
	Incoming int `mapstructure:"incoming_ms" json:"incoming_ms" validate:"gte=0"`
}

// OutgoingInterval the outgoing interval as a duration
func (c HeartbeatConfig) OutgoingInterval() time.Duration {
	return time.Millisecond * time.Duration(c.Outgoing)
}

// IncomingInterval the incoming interval as a duration
func (c HeartbeatConfig) IncomingInterval() time.Duration {
	return time.Millisecond * time.Duration(c.Incoming)
}

// ===============================================================================
// Watcher Session Related Config

// SessionReconnectConfig defines the session's automatic reconnect policy
type SessionReconnectConfig struct {
	// MaxAttempts is the max number of consecutive automatic reconnect attempts
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=0"`
	// WaitInterval is the fixed delay before each automatic reconnect in ms
	WaitInterval int `mapstructure:"wait_interval_ms" json:"wait_interval_ms" validate:"gte=1"`
}

// SessionConfig defines the session manager parameters
type SessionConfig struct {
	// Reconnect defines the automatic reconnect policy
	Reconnect SessionReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// LivenessCheckInterval is the interval between transport liveness samples in ms
	LivenessCheckInterval int `mapstructure:"liveness_check_interval_ms" json:"liveness_check_interval_ms" validate:"gte=1"`
	// ContentType is the encoding used for outbound messages
	ContentType string `mapstructure:"content_type" json:"content_type" validate:"required,oneof=application/json application/msgpack"`
}

// Transport modes
const (
	TransportModeAuto       = "auto"
	TransportModeWebSocket  = "websocket"
	TransportModeHTTPStream = "http-stream"
	TransportModeNATS       = "nats"
)

// TransportConfig defines how a watcher reaches the message broker
type TransportConfig struct {
	// Mode is one of auto, websocket, http-stream, nats
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=auto websocket http-stream nats"`
	// WebSocketURL is the relay's websocket endpoint
	WebSocketURL string `mapstructure:"websocket_url" json:"websocket_url" validate:"required,url"`
	// HTTPStreamURL is the relay's HTTP streaming endpoint
	HTTPStreamURL string `mapstructure:"http_stream_url" json:"http_stream_url" validate:"required,url"`
	// ConnectTimeout is the max duration for establishing a session in ms
	ConnectTimeout int `mapstructure:"connect_timeout_ms" json:"connect_timeout_ms" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one frame in ms
	WriteTimeout int `mapstructure:"write_timeout_ms" json:"write_timeout_ms" validate:"gte=1"`
	// Heartbeat is the STOMP heart-beat offer
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// Login is the optional STOMP login
	Login string `mapstructure:"login" json:"login"`
	// Passcode is the optional STOMP passcode
	Passcode string `mapstructure:"passcode" json:"passcode"`
}

// RESTClientConfig defines how the watcher re-fetches collections
type RESTClientConfig struct {
	// BaseURL is the collection API root
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	// RequestTimeout is the timeout for one fetch in ms
	RequestTimeout int `mapstructure:"request_timeout_ms" json:"request_timeout_ms" validate:"gte=1"`
	// PageSize is the page size used when listing primary entities
	PageSize int `mapstructure:"page_size" json:"page_size" validate:"gte=1"`
}

// ===============================================================================
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay REST APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// WebSocketPath is the path of the websocket STOMP endpoint
	WebSocketPath string `mapstructure:"websocket_path" json:"websocket_path" validate:"required"`
	// StreamPath is the path of the HTTP streaming STOMP endpoint
	StreamPath string `mapstructure:"stream_path" json:"stream_path" validate:"required"`
}

// PostgresBridgeConfig defines the Postgres LISTEN event source
type PostgresBridgeConfig struct {
	// DSN is the Postgres connection string
	DSN string `mapstructure:"dsn" json:"dsn" validate:"required"`
	// Channel is the NOTIFY channel carrying change events
	Channel string `mapstructure:"channel" json:"channel" validate:"required"`
	// RetryInterval is the delay before re-establishing a lost connection in seconds
	RetryInterval int `mapstructure:"retry_interval_sec" json:"retry_interval_sec" validate:"gte=1"`
}

// RelayServerConfig defines configuration for the relay server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Heartbeat is the STOMP heart-beat offer of the relay
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// SessionBuffer is the number of frames queued per client before it is dropped
	SessionBuffer int `mapstructure:"session_buffer" json:"session_buffer" validate:"gte=1"`
	// NATSBridge whether change events are exchanged with other relays through NATS
	NATSBridge bool `mapstructure:"nats_bridge" json:"nats_bridge"`
	// Postgres is the optional Postgres LISTEN event source
	Postgres *PostgresBridgeConfig `mapstructure:"postgres,omitempty" json:"postgres,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either the relay or the watcher
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Session are the watcher session parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Transport are the watcher transport parameters
	Transport TransportConfig `mapstructure:"transport" json:"transport" validate:"required,dive"`
	// REST are the collection API client parameters
	REST RESTClientConfig `mapstructure:"rest" json:"rest" validate:"required,dive"`
	// Relay are the relay server configs
	Relay *RelayServerConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default session settings
	viper.SetDefault("session.reconnect.max_attempts", 10)
	viper.SetDefault("session.reconnect.wait_interval_ms", 3000)
	viper.SetDefault("session.liveness_check_interval_ms", 1000)
	viper.SetDefault("session.content_type", "application/json")

	// Default transport settings
	viper.SetDefault("transport.mode", TransportModeAuto)
	viper.SetDefault("transport.websocket_url", "ws://127.0.0.1:8080/ws")
	viper.SetDefault("transport.http_stream_url", "http://127.0.0.1:8080/stream")
	viper.SetDefault("transport.connect_timeout_ms", 10000)
	viper.SetDefault("transport.write_timeout_ms", 5000)
	viper.SetDefault("transport.heartbeat.outgoing_ms", 4000)
	viper.SetDefault("transport.heartbeat.incoming_ms", 4000)

	// Default collection API client settings
	viper.SetDefault("rest.base_url", "http://127.0.0.1:8080/api")
	viper.SetDefault("rest.request_timeout_ms", 10000)
	viper.SetDefault("rest.page_size", 20)

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.endpoint_config.websocket_path", "/ws")
	viper.SetDefault("relay.endpoint_config.stream_path", "/stream")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 8080)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Livefeed-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("relay.heartbeat.outgoing_ms", 4000)
	viper.SetDefault("relay.heartbeat.incoming_ms", 4000)
	viper.SetDefault("relay.session_buffer", 64)
	viper.SetDefault("relay.nats_bridge", false)
}
