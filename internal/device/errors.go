package device

import "errors"

// ConfigError is a startup failure carrying the message reported through
// the error callback. Unwrap yields the underlying sentinel.
type ConfigError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewConfigError builds a ConfigError.
func NewConfigError(kind ErrorKind, err error, message string) *ConfigError {
	return &ConfigError{Kind: kind, Message: message, Err: err}
}

func (e *ConfigError) Error() string {
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Sentinels for device selection.
var (
	ErrInvalidDeviceIndex = errors.New("invalid device index")
	ErrNoOutput           = errors.New("device has no output")
	ErrNoInput            = errors.New("device has no input")
)

// Reportable extracts the kind and message of a ConfigError. Other errors
// map to ConfigurationInvalid with their own text.
func Reportable(err error) (ErrorKind, string) {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Kind, ce.Message
	}
	return ConfigurationInvalid, err.Error()
}
