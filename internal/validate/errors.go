package validate

import "errors"

var (
	// ErrInvalidProtocolName is returned when a sync protocol name does not
	// match the DNS-label format (1-63 lowercase alphanumeric + hyphens).
	ErrInvalidProtocolName = errors.New("invalid protocol name")

	// ErrInvalidNetworkName is returned when a discovery namespace does not
	// match the DNS-label format (1-63 lowercase alphanumeric + hyphens).
	ErrInvalidNetworkName = errors.New("invalid network name")
)
