package callmedia

import "sync/atomic"

// Provider identifies a codec implementation.
type Provider uint8

const (
	ProviderAuto   Provider = iota // Let the registry choose the best available
	ProviderNative                 // media SDK shims (libvpx, libaom, libopus)
	ProviderRaw                    // Uncompressed pure-Go sessions for loopback and debugging
	providerCount
)

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureDynamicResolution Features = 1 << iota // In-place resolution changes
	FeatureLowLatency                             // Optimized for real-time
	FeatureCompression                            // Output is actually compressed
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name     string
	Priority int // higher wins for ProviderAuto
	Features Features
}

// Static metadata table indexed by Provider.
var providerInfo = [providerCount]providerMeta{
	ProviderAuto:   {"auto", 0, 0},
	ProviderNative: {"native", 2, FeatureDynamicResolution | FeatureLowLatency | FeatureCompression},
	ProviderRaw:    {"raw", 1, FeatureDynamicResolution | FeatureLowLatency},
}

// Runtime availability, set when a provider registers.
var providerAvailable [providerCount]atomic.Bool

func init() {
	setProviderAvailable(ProviderRaw)
}

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// ParseProvider maps a provider name to its value, defaulting to auto.
func ParseProvider(name string) Provider {
	for p := ProviderAuto; p < providerCount; p++ {
		if providerInfo[p].Name == name {
			return p
		}
	}
	return ProviderAuto
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].Features
}

func (p Provider) priority() int {
	if p >= providerCount {
		return -1
	}
	return providerInfo[p].Priority
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}
