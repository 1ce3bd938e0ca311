package clevis

import "errors"

var (
	// ErrUnsupported is returned when a device is neither a LUKS v1 nor a LUKS v2 partition
	ErrUnsupported = errors.New("unsupported device")
	// ErrInvalidSlot is returned for a slot index outside of the range allowed by the LUKS version
	ErrInvalidSlot = errors.New("invalid slot")
	// ErrNotFound is returned when a slot exists but no clevis policy is bound to it
	ErrNotFound = errors.New("not a clevis-bound slot")
	// ErrDecode is returned when the policy envelope or the pin configuration is malformed
	ErrDecode = errors.New("unable to decode clevis policy")
)
