package callmedia

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned when starting or using a torn-down session.
	ErrSessionClosed = errors.New("callmedia: session closed")
	// ErrTransportClosed is returned by Send after the transport closed.
	ErrTransportClosed = errors.New("callmedia: transport closed")
	// ErrUnknownCodec is returned for codecs outside the wire codec table.
	ErrUnknownCodec = errors.New("callmedia: unknown codec")
	// ErrNotSupported is returned when a capture kind or codec is unavailable.
	ErrNotSupported = errors.New("callmedia: not supported")
	// ErrProviderNotFound is returned when a codec provider is not registered.
	ErrProviderNotFound = errors.New("callmedia: provider not found")
)

// ConfigUnsupportedError reports a codec configuration that cannot be
// encoded or decoded. It is fatal to the session.
type ConfigUnsupportedError struct {
	Kind   string // "video encoder", "audio decoder", ...
	Config string
	Err    error
}

func (e *ConfigUnsupportedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unsupported %s config %s: %v", e.Kind, e.Config, e.Err)
	}
	return fmt.Sprintf("unsupported %s config %s", e.Kind, e.Config)
}

func (e *ConfigUnsupportedError) Unwrap() error { return e.Err }

// CaptureError reports a capture device that was denied or unavailable.
type CaptureError struct {
	Device string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Device, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// FramingError reports malformed binary input. The offending record is
// dropped; the session survives unless framing errors recur.
type FramingError struct {
	Op  string
	Err error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing %s: %v", e.Op, e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

func framingErrorf(op, format string, args ...any) *FramingError {
	return &FramingError{Op: op, Err: fmt.Errorf(format, args...)}
}

// TransportError reports a transport channel that closed or failed.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsFramingError reports whether err is or wraps a *FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}
