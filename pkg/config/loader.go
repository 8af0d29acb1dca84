// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/routing"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LogConfig         `yaml:"log"`
	Database   DatabaseConfig    `yaml:"database"`
	Admin      AdminConfig       `yaml:"admin"`
	Hub        HubConfig         `yaml:"hub"`
	WebSocket  WebSocketConfig   `yaml:"web_socket"`
	Sockets    []SocketConfig    `yaml:"socket"`
	SSE        SSEConfig         `yaml:"sse"`
	Sys        SysConfig         `yaml:"sys"`
	Connectors []ConnectorConfig `yaml:"connectors"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type AdminConfig struct {
	Address string `yaml:"address"`
}

type HubConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	ConsumerBuffer    int      `yaml:"consumer_buffer"`
	MaxPending        int      `yaml:"max_pending"`
	ConnectionQueue   int      `yaml:"connection_queue"`
	// MaxConnections caps live downstream connections across all listeners.
	MaxConnections int `yaml:"max_connections"`
}

type WebSocketConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Path           string `yaml:"path"`
	MaxConnections int    `yaml:"max_connections"`
	// InboundRate limits messages per second per client; 0 disables it.
	InboundRate  float64 `yaml:"inbound_rate"`
	InboundBurst int     `yaml:"inbound_burst"`
}

type SocketConfig struct {
	Name           string `yaml:"name"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

// SSEConfig is a read-only event stream for dashboards.
type SSEConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

type SysConfig struct {
	SyncTimeFromClient bool   `yaml:"sync_time_from_client"`
	SyncTimeFromRTC    bool   `yaml:"sync_time_from_rtc"`
	RTCI2CDev          string `yaml:"rtc_i2c_dev"`
	RTCI2CAddr         uint8  `yaml:"rtc_i2c_addr"`
	NoSudo             bool   `yaml:"no_sudo"`
}

type ConnectorConfig struct {
	Name           string            `yaml:"name"`
	Family         string            `yaml:"family"`
	Address        string            `yaml:"address"`
	Interval       Duration          `yaml:"interval"`
	Timeout        Duration          `yaml:"timeout"`
	StaleAfter     Duration          `yaml:"stale_after"`
	Username       string            `yaml:"username"`
	Password       string            `yaml:"password"`
	ClientID       string            `yaml:"client_id"`
	KeepAlive      Duration          `yaml:"keep_alive"`
	Topics         []TopicConfig     `yaml:"topics"`
	Poll           []PollBlock       `yaml:"poll"`
	Serial         SerialConfig      `yaml:"serial"`
	Retry          RetryConfig       `yaml:"retry"`
	Broadcast      bool              `yaml:"broadcast"`
	BroadcastTopic string            `yaml:"broadcast_topic"`
	Options        map[string]string `yaml:"options"`
}

type TopicConfig struct {
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos"`
}

// PollBlock is one contiguous read issued on every poll cycle.
type PollBlock struct {
	Topic   string `yaml:"topic"`
	Table   string `yaml:"table"`
	Address uint16 `yaml:"address"`
	Count   uint16 `yaml:"count"`
	Unit    uint8  `yaml:"unit"`
}

type SerialConfig struct {
	Baud        int    `yaml:"baud"`
	DataBits    int    `yaml:"data_bits"`
	StopBits    int    `yaml:"stop_bits"`
	Parity      string `yaml:"parity"`
	FlowControl string `yaml:"flow_control"`
}

type RetryConfig struct {
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	Jitter       float64  `yaml:"jitter"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Hub.HeartbeatInterval == 0 {
		c.Hub.HeartbeatInterval = Duration(30 * time.Second)
	}
	if c.Hub.ConsumerBuffer <= 0 {
		c.Hub.ConsumerBuffer = 1024
	}
	if c.Hub.MaxPending <= 0 {
		c.Hub.MaxPending = 4096
	}
	if c.Hub.ConnectionQueue <= 0 {
		c.Hub.ConnectionQueue = 100
	}
	if c.WebSocket.Host == "" {
		c.WebSocket.Host = "0.0.0.0"
	}
	if c.WebSocket.Port == 0 {
		c.WebSocket.Port = 8081
	}
	if c.WebSocket.Path == "" {
		c.WebSocket.Path = "/"
	}
	if c.SSE.Host == "" {
		c.SSE.Host = "0.0.0.0"
	}
	if c.SSE.Port == 0 {
		c.SSE.Port = 8082
	}
	if c.SSE.Path == "" {
		c.SSE.Path = "/events"
	}
	for i := range c.Sockets {
		if c.Sockets[i].Name == "" {
			c.Sockets[i].Name = fmt.Sprintf("socket-%d", i)
		}
		if c.Sockets[i].Host == "" {
			c.Sockets[i].Host = "0.0.0.0"
		}
	}
	if c.Sys.RTCI2CDev == "" {
		c.Sys.RTCI2CDev = "/dev/i2c-1"
	}
	if c.Sys.RTCI2CAddr == 0 {
		c.Sys.RTCI2CAddr = 0x68
	}
	for i := range c.Connectors {
		c.Connectors[i].applyDefaults()
	}
}

func (cc *ConnectorConfig) applyDefaults() {
	if cc.Interval == 0 {
		cc.Interval = Duration(time.Second)
	}
	if cc.Timeout == 0 {
		cc.Timeout = Duration(5 * time.Second)
	}
	if cc.KeepAlive == 0 {
		cc.KeepAlive = Duration(60 * time.Second)
	}
	if cc.Retry.InitialDelay == 0 {
		cc.Retry.InitialDelay = Duration(500 * time.Millisecond)
	}
	if cc.Retry.MaxDelay == 0 {
		cc.Retry.MaxDelay = Duration(30 * time.Second)
	}
	if cc.Retry.Multiplier < 1 {
		cc.Retry.Multiplier = 2
	}
	if cc.Retry.Jitter == 0 {
		cc.Retry.Jitter = 0.2
	}
	if cc.Serial.Baud == 0 {
		cc.Serial.Baud = 9600
	}
	if cc.Serial.DataBits == 0 {
		cc.Serial.DataBits = 8
	}
	if cc.Serial.StopBits == 0 {
		cc.Serial.StopBits = 1
	}
	if cc.Serial.Parity == "" {
		cc.Serial.Parity = "none"
	}
}

// Validate reports every problem found, each wrapped in core.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{core.ErrInvalidConfig}, args...)...))
	}

	if c.Hub.HeartbeatInterval.Std() <= 0 {
		bad("hub.heartbeat_interval must be positive")
	}
	if c.WebSocket.Enabled && (c.WebSocket.Port < 0 || c.WebSocket.Port > 65535) {
		bad("web_socket.port %d out of range", c.WebSocket.Port)
	}
	if c.Hub.MaxConnections < 0 {
		bad("hub.max_connections must not be negative")
	}
	if c.WebSocket.InboundRate < 0 || c.WebSocket.InboundBurst < 0 {
		bad("web_socket inbound_rate and inbound_burst must not be negative")
	}
	if c.SSE.Enabled && (c.SSE.Port < 0 || c.SSE.Port > 65535) {
		bad("sse.port %d out of range", c.SSE.Port)
	}
	for _, s := range c.Sockets {
		if s.Port <= 0 || s.Port > 65535 {
			bad("socket %s: port %d out of range", s.Name, s.Port)
		}
	}
	if c.Sys.RTCI2CAddr > 0x77 {
		bad("sys.rtc_i2c_addr 0x%02x is not a 7-bit address", c.Sys.RTCI2CAddr)
	}

	seen := make(map[string]bool, len(c.Connectors))
	for i, cc := range c.Connectors {
		switch {
		case cc.Name == "":
			bad("connectors[%d]: name is required", i)
		case seen[cc.Name]:
			bad("connectors[%d]: duplicate name %q", i, cc.Name)
		}
		seen[cc.Name] = true
		if cc.Family == "" {
			bad("connector %q: family is required", cc.Name)
		}
		if cc.Address == "" {
			bad("connector %q: address is required", cc.Name)
		}
		if cc.Retry.MaxDelay < cc.Retry.InitialDelay {
			bad("connector %q: retry.max_delay below initial_delay", cc.Name)
		}
		for _, p := range cc.Poll {
			if p.Count == 0 {
				bad("connector %q: poll block at %d has zero count", cc.Name, p.Address)
			}
		}
		for _, t := range cc.Topics {
			if t.QoS > 2 {
				bad("connector %q: topic %q qos %d", cc.Name, t.Topic, t.QoS)
			}
		}
	}
	return errors.Join(errs...)
}

// ConnectionLimit is the registry-wide connection cap: hub.max_connections
// when set, otherwise the sum of the listener limits when every enabled
// listener has one. Zero means unlimited.
func (c *Config) ConnectionLimit() int {
	if c.Hub.MaxConnections > 0 {
		return c.Hub.MaxConnections
	}
	if c.SSE.Enabled {
		return 0
	}
	total := 0
	if c.WebSocket.Enabled {
		if c.WebSocket.MaxConnections <= 0 {
			return 0
		}
		total += c.WebSocket.MaxConnections
	}
	for _, s := range c.Sockets {
		if s.MaxConnections <= 0 {
			return 0
		}
		total += s.MaxConnections
	}
	return total
}

// Equal reports whether two connector configs would produce the same connector.
func (cc ConnectorConfig) Equal(other ConnectorConfig) bool {
	a, errA := yaml.Marshal(cc)
	b, errB := yaml.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return slices.Equal(a, b)
}

func (cc ConnectorConfig) ToRoute() *routing.Route {
	return &routing.Route{
		Source:    cc.Name,
		Broadcast: cc.Broadcast,
		Topic:     cc.BroadcastTopic,
	}
}

// Routes returns the fan-out routes for every connector.
func (c *Config) Routes() []*routing.Route {
	routes := make([]*routing.Route, 0, len(c.Connectors))
	for _, cc := range c.Connectors {
		routes = append(routes, cc.ToRoute())
	}
	return routes
}
