package validate

import (
	"fmt"
	"regexp"
)

// protocolNameRe matches DNS-label-style protocol names: 1-63 lowercase
// alphanumeric or hyphens, starting and ending with alphanumeric. Prevents
// ALPN/protocol-ID injection via names containing '/', newlines, or other
// special characters.
var protocolNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ProtocolName checks that a sync protocol name is safe for use inside an
// ALPN identifier (e.g. "/p2pengine/sync/1.0.0/<name>").
func ProtocolName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidProtocolName)
	}
	if !protocolNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-63 lowercase alphanumeric characters or hyphens, starting and ending with alphanumeric", ErrInvalidProtocolName, name)
	}
	return nil
}
