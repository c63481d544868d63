package resolver

import "github.com/pkg/errors"

var (
	// ErrInvalidAddress is returned for input that is not a dotted quad IPv4 address.
	ErrInvalidAddress = errors.New("invalid IPv4 address")
	// ErrInvalidRange is returned for a range with a zero count or one that
	// runs past 255.255.255.255.
	ErrInvalidRange = errors.New("invalid allocation range")
)

// IsInvalidAddress reports whether err was caused by a malformed address.
func IsInvalidAddress(err error) bool {
	return errors.Cause(err) == ErrInvalidAddress
}

// IsInvalidRange reports whether err was caused by an unusable range.
func IsInvalidRange(err error) bool {
	return errors.Cause(err) == ErrInvalidRange
}
