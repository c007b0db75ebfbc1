package config

import "errors"

var (
	// ErrConfigNotFound is returned when no config file is found at the
	// specified path.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigVersionTooNew is returned when a config file declares a
	// version newer than what this binary supports.
	ErrConfigVersionTooNew = errors.New("config version too new")

	// ErrInvalidNetworkID describes a network_id that is not 32 hex-encoded
	// bytes. Load does not return it: network_id is read as a plain name and
	// checked by internal/validate.NetworkName in cmd/p2pengine.
	ErrInvalidNetworkID = errors.New("network_id must be exactly 32 bytes, hex encoded")

	// ErrInvalidDirectAddress describes an unparseable direct_node_addresses
	// entry. Load does not return it; Load does not parse those entries.
	ErrInvalidDirectAddress = errors.New("invalid direct node address")
)
