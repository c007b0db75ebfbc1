// Package config parses the engine's on-disk YAML configuration into the
// keys enumerated in the engine's external interface: network_id, bind_port,
// private_key_path, direct_node_addresses, relay, gossip and sync.
package config

import "time"

// CurrentConfigVersion is the latest configuration schema version.
const CurrentConfigVersion = 1

// DefaultBindPort is used when bind_port is left unset.
const DefaultBindPort = 4433

// Config is the engine's unified configuration structure, loaded from YAML.
type Config struct {
	Version             int                 `yaml:"version,omitempty"`
	NetworkID           string              `yaml:"network_id"`
	BindPort            uint16              `yaml:"bind_port,omitempty"`
	PrivateKeyPath      string              `yaml:"private_key_path"`
	DirectNodeAddresses []DirectNodeAddress `yaml:"direct_node_addresses,omitempty"`
	Relay               string              `yaml:"relay,omitempty"`
	Gossip              *GossipConfig       `yaml:"gossip,omitempty"`
	Sync                *SyncConfig         `yaml:"sync,omitempty"`
}

// DirectNodeAddress is one entry of the direct_node_addresses config key: a
// peer identity paired with known reachability hints.
type DirectNodeAddress struct {
	PeerID    string   `yaml:"peer_id"`
	Addresses []string `yaml:"addresses"`
	RelayHint string   `yaml:"relay_hint,omitempty"`
}

// GossipConfig tunes the broadcast overlay. All fields are optional; zero
// values fall back to the overlay adapter's own defaults.
type GossipConfig struct {
	MaxMessageSize int `yaml:"max_message_size,omitempty"`
	HistoryLength  int `yaml:"history_length,omitempty"`
	HistoryGossip  int `yaml:"history_gossip,omitempty"`
	D              int `yaml:"d,omitempty"`
	DLo            int `yaml:"d_lo,omitempty"`
	DHi            int `yaml:"d_hi,omitempty"`

	// MaxBufferedPerTopic caps the engine's Gossip Buffer hold queue
	// (spec §4.5), independent of the pubsub tuning fields above.
	MaxBufferedPerTopic int `yaml:"max_buffered_per_topic,omitempty"`
}

// SyncConfig names the sync protocol to run and, optionally, a resync policy.
type SyncConfig struct {
	Protocol string        `yaml:"protocol"`
	Resync   *ResyncConfig `yaml:"resync,omitempty"`
}

// IsResyncEnabled reports whether a ResyncConfiguration was supplied.
// Defaults to false (no resync) when Sync or Resync is nil.
func (s *SyncConfig) IsResyncEnabled() bool {
	return s != nil && s.Resync != nil
}

// ResyncConfig mirrors spec §4.4's ResyncConfiguration{interval, max_attempts}.
type ResyncConfig struct {
	Interval    time.Duration `yaml:"-"`
	MaxAttempts int           `yaml:"max_attempts"`

	// RawInterval carries the YAML string form (e.g. "5m") before it is
	// parsed into Interval by UnmarshalYAML.
	RawInterval string `yaml:"interval"`
}

// UnmarshalYAML decodes the resync block and parses its interval string
// (e.g. "30s") into Interval with time.ParseDuration.
func (r *ResyncConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain ResyncConfig
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*r = ResyncConfig(p)
	if r.RawInterval != "" {
		d, err := time.ParseDuration(r.RawInterval)
		if err != nil {
			return err
		}
		r.Interval = d
	}
	return nil
}
