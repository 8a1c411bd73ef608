// Copyright 2026 The uasub Authors
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

import "github.com/spf13/viper"

// ===============================================================================
// Monitoring Related Config

// SubscriptionDefaults default subscription parameters used when a caller
// does not provide a full parameter set. All values are subject to server
// revision.
type SubscriptionDefaults struct {
	// PublishingIntervalMS requested publishing interval in milliseconds
	PublishingIntervalMS float64 `mapstructure:"publishing_interval_ms" json:"publishing_interval_ms" validate:"gte=0"`
	// LifetimeCount requested subscription lifetime count
	LifetimeCount uint32 `mapstructure:"lifetime_count" json:"lifetime_count" validate:"gte=3"`
	// MaxKeepAliveCount requested max keep-alive count
	MaxKeepAliveCount uint32 `mapstructure:"max_keep_alive_count" json:"max_keep_alive_count" validate:"gte=1"`
	// MaxNotificationsPerPublish limit per publish response. 0 means no limit
	MaxNotificationsPerPublish uint32 `mapstructure:"max_notifications_per_publish" json:"max_notifications_per_publish"`
	// Priority requested subscription priority
	Priority uint8 `mapstructure:"priority" json:"priority"`
}

// MonitoringDefaults default monitored item parameters
type MonitoringDefaults struct {
	// SamplingIntervalMS requested sampling interval in milliseconds.
	// -1 selects the subscription publishing interval
	SamplingIntervalMS float64 `mapstructure:"sampling_interval_ms" json:"sampling_interval_ms" validate:"gte=-1"`
	// QueueSize requested per-item notification queue size
	QueueSize uint32 `mapstructure:"queue_size" json:"queue_size" validate:"gte=1"`
	// DiscardOldest whether the oldest queued notification is dropped on overflow
	DiscardOldest bool `mapstructure:"discard_oldest" json:"discard_oldest"`
}

// MonitorConfig monitoring layer config parameters
type MonitorConfig struct {
	// Subscription default subscription parameters
	Subscription SubscriptionDefaults `mapstructure:"subscription" json:"subscription" validate:"required"`
	// Monitoring default monitored item parameters
	Monitoring MonitoringDefaults `mapstructure:"monitoring" json:"monitoring" validate:"required"`
}

// ===============================================================================
// Emulator Related Config

// EmulatorLimitsConfig revision limits applied by the in-memory server
// emulator. Requested parameters outside these bounds are revised, not
// rejected.
type EmulatorLimitsConfig struct {
	// MinPublishingIntervalMS smallest publishing interval granted
	MinPublishingIntervalMS float64 `mapstructure:"min_publishing_interval_ms" json:"min_publishing_interval_ms" validate:"gte=0"`
	// MaxPublishingIntervalMS largest publishing interval granted
	MaxPublishingIntervalMS float64 `mapstructure:"max_publishing_interval_ms" json:"max_publishing_interval_ms" validate:"gte=0"`
	// MinSamplingIntervalMS smallest sampling interval granted
	MinSamplingIntervalMS float64 `mapstructure:"min_sampling_interval_ms" json:"min_sampling_interval_ms" validate:"gte=0"`
	// MaxQueueSize largest per-item notification queue granted
	MaxQueueSize uint32 `mapstructure:"max_queue_size" json:"max_queue_size" validate:"gte=1"`
	// MaxKeepAliveCount largest keep-alive count granted
	MaxKeepAliveCount uint32 `mapstructure:"max_keep_alive_count" json:"max_keep_alive_count" validate:"gte=1"`
}

// ===============================================================================
// Status Server Related Config

// StatusServerConfig defines the status REST API server parameters
type StatusServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire request in seconds
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out writes of the
	// response in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// PathPrefix is the end-point path prefix for the status APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
}

// ===============================================================================
// NATS Forwarder Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// ForwarderConfig defines parameters for republishing dispatched data
// changes onto NATS
type ForwarderConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// SubjectRoot is the root token of published subjects
	SubjectRoot string `mapstructure:"subject_root" json:"subject_root" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config of the monitor service
type SystemConfig struct {
	// Monitor are the monitoring layer config parameters
	Monitor MonitorConfig `mapstructure:"monitor" json:"monitor" validate:"required"`
	// Emulator are the emulated server revision limits
	Emulator EmulatorLimitsConfig `mapstructure:"emulator" json:"emulator" validate:"required"`
	// Status are the status REST API server configs
	Status StatusServerConfig `mapstructure:"status" json:"status" validate:"required"`
	// Forwarder are the optional NATS forwarder configs
	Forwarder *ForwarderConfig `mapstructure:"forwarder,omitempty" json:"forwarder,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default monitoring settings
	viper.SetDefault("monitor.subscription.publishing_interval_ms", 500.0)
	viper.SetDefault("monitor.subscription.lifetime_count", 2400)
	viper.SetDefault("monitor.subscription.max_keep_alive_count", 10)
	viper.SetDefault("monitor.subscription.max_notifications_per_publish", 0)
	viper.SetDefault("monitor.subscription.priority", 0)
	viper.SetDefault("monitor.monitoring.sampling_interval_ms", 250.0)
	viper.SetDefault("monitor.monitoring.queue_size", 10)
	viper.SetDefault("monitor.monitoring.discard_oldest", true)

	// Default emulator revision limits
	viper.SetDefault("emulator.min_publishing_interval_ms", 50.0)
	viper.SetDefault("emulator.max_publishing_interval_ms", 3600000.0)
	viper.SetDefault("emulator.min_sampling_interval_ms", 0.0)
	viper.SetDefault("emulator.max_queue_size", 1024)
	viper.SetDefault("emulator.max_keep_alive_count", 100)

	// Default status server settings
	viper.SetDefault("status.listen_on", "0.0.0.0")
	viper.SetDefault("status.listen_port", 3000)
	viper.SetDefault("status.read_timeout_sec", 60)
	viper.SetDefault("status.write_timeout_sec", 60)
	viper.SetDefault("status.path_prefix", "/")
	viper.SetDefault("status.request_id_header", "Uasub-Request-ID")
}
