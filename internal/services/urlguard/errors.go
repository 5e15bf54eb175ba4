package urlguard

import (
	"errors"
)

// Validation failures are final for the URL: nothing here is retryable.
var (
	ErrInvalidSyntax    = errors.New("InvalidSyntax")
	ErrDisallowedScheme = errors.New("DisallowedScheme")
	ErrBlockedHost      = errors.New("BlockedHost")
	ErrPrivateAddress   = errors.New("PrivateAddress")
	ErrDNSFailure       = errors.New("DNSFailure")
)

// Reason maps a guard error to its short typed name for persisted error
// messages. Unknown errors return "InvalidSyntax" so nothing free-form
// leaks into scan rows.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrDisallowedScheme):
		return "DisallowedScheme"
	case errors.Is(err, ErrBlockedHost):
		return "BlockedHost"
	case errors.Is(err, ErrPrivateAddress):
		return "PrivateAddress"
	case errors.Is(err, ErrDNSFailure):
		return "DNSFailure"
	default:
		return "InvalidSyntax"
	}
}

// IsGuardError reports whether err is one of the guard's typed failures.
func IsGuardError(err error) bool {
	return errors.Is(err, ErrInvalidSyntax) ||
		errors.Is(err, ErrDisallowedScheme) ||
		errors.Is(err, ErrBlockedHost) ||
		errors.Is(err, ErrPrivateAddress) ||
		errors.Is(err, ErrDNSFailure)
}
