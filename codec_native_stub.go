//go:build !(darwin || linux) || nonative

package callmedia

import "fmt"

// RegisterNativeCodecs is unavailable on this platform or build.
func RegisterNativeCodecs(r *CodecRegistry) error {
	return fmt.Errorf("native codecs: %w", ErrNotSupported)
}
