package qconv

import "errors"

// Error taxonomy. Every failure is deterministic and non-transient, so all
// errors surface immediately to the caller and are never retried
// internally. Messages carry the offending field and value.
var (
	// ErrConfig marks an invalid convolution configuration or a missing
	// calibration attachment at conversion time.
	ErrConfig = errors.New("qconv: invalid configuration")

	// ErrShape marks an input tensor whose rank or channel count does not
	// match the module at forward time.
	ErrShape = errors.New("qconv: shape mismatch")

	// ErrUnsupportedDType marks a weight observer configured for anything
	// other than the supported signed 8-bit type.
	ErrUnsupportedDType = errors.New("qconv: unsupported dtype")

	// ErrTypeMismatch marks a from-float conversion applied to a module
	// that does not have the expected float-convolution shape.
	ErrTypeMismatch = errors.New("qconv: module type mismatch")

	// ErrState marks serialized state missing required fields. No partial
	// module is ever produced from such state.
	ErrState = errors.New("qconv: invalid serialized state")
)
