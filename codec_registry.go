package callmedia

import (
	"fmt"
	"math"
	"sync"
	"time"
)

type codecEntry[C, T any] struct {
	check  func(C) error // provider-specific limits; nil accepts everything
	create func(C) (T, error)
}

type providerMap[K comparable, C, T any] map[K]map[Provider]codecEntry[C, T]

func (m providerMap[K, C, T]) register(key K, p Provider, e codecEntry[C, T]) {
	if m[key] == nil {
		m[key] = make(map[Provider]codecEntry[C, T])
	}
	m[key][p] = e
}

// pick resolves the provider for key. ProviderAuto selects the available
// provider with the highest priority.
func (m providerMap[K, C, T]) pick(key K, p Provider) (codecEntry[C, T], Provider, error) {
	providers := m[key]
	if len(providers) == 0 {
		return codecEntry[C, T]{}, p, fmt.Errorf("%w: no providers for %v", ErrNotSupported, key)
	}
	if p == ProviderAuto {
		best := ProviderAuto
		for cand := range providers {
			if cand.Available() && cand.priority() > best.priority() {
				best = cand
			}
		}
		if best == ProviderAuto {
			return codecEntry[C, T]{}, p, fmt.Errorf("%w: no available provider for %v", ErrProviderNotFound, key)
		}
		return providers[best], best, nil
	}
	e, ok := providers[p]
	if !ok || !p.Available() {
		return codecEntry[C, T]{}, p, fmt.Errorf("%w: %s for %v", ErrProviderNotFound, p, key)
	}
	return e, p, nil
}

// CodecRegistry is a CodecFactory that dispatches to registered providers.
type CodecRegistry struct {
	mu       sync.RWMutex
	videoEnc providerMap[VideoCodec, VideoEncoderConfig, VideoEncoder]
	videoDec providerMap[VideoCodec, VideoDecoderConfig, VideoDecoder]
	audioEnc providerMap[AudioCodec, AudioEncoderConfig, AudioEncoder]
	audioDec providerMap[AudioCodec, AudioDecoderConfig, AudioDecoder]
}

// NewCodecRegistry returns a registry holding the raw provider.
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{
		videoEnc: make(providerMap[VideoCodec, VideoEncoderConfig, VideoEncoder]),
		videoDec: make(providerMap[VideoCodec, VideoDecoderConfig, VideoDecoder]),
		audioEnc: make(providerMap[AudioCodec, AudioEncoderConfig, AudioEncoder]),
		audioDec: make(providerMap[AudioCodec, AudioDecoderConfig, AudioDecoder]),
	}
	registerRawCodecs(r)
	return r
}

// DefaultCodecs returns a registry with the raw provider and, when the
// native library loads, the native provider.
func DefaultCodecs() (*CodecRegistry, error) {
	r := NewCodecRegistry()
	err := RegisterNativeCodecs(r)
	return r, err
}

// RegisterVideoEncoder adds a video encoder provider.
func (r *CodecRegistry) RegisterVideoEncoder(codec VideoCodec, p Provider, check func(VideoEncoderConfig) error, create func(VideoEncoderConfig) (VideoEncoder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videoEnc.register(codec, p, codecEntry[VideoEncoderConfig, VideoEncoder]{check, create})
}

// RegisterVideoDecoder adds a video decoder provider.
func (r *CodecRegistry) RegisterVideoDecoder(codec VideoCodec, p Provider, check func(VideoDecoderConfig) error, create func(VideoDecoderConfig) (VideoDecoder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videoDec.register(codec, p, codecEntry[VideoDecoderConfig, VideoDecoder]{check, create})
}

// RegisterAudioEncoder adds an audio encoder provider.
func (r *CodecRegistry) RegisterAudioEncoder(codec AudioCodec, p Provider, check func(AudioEncoderConfig) error, create func(AudioEncoderConfig) (AudioEncoder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioEnc.register(codec, p, codecEntry[AudioEncoderConfig, AudioEncoder]{check, create})
}

// RegisterAudioDecoder adds an audio decoder provider.
func (r *CodecRegistry) RegisterAudioDecoder(codec AudioCodec, p Provider, check func(AudioDecoderConfig) error, create func(AudioDecoderConfig) (AudioDecoder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioDec.register(codec, p, codecEntry[AudioDecoderConfig, AudioDecoder]{check, create})
}

func (r *CodecRegistry) videoEncoderEntry(cfg VideoEncoderConfig) (codecEntry[VideoEncoderConfig, VideoEncoder], VideoEncoderConfig, error) {
	unsupported := func(err error) error {
		return &ConfigUnsupportedError{Kind: "video encoder", Config: cfg.String(), Err: err}
	}
	if _, err := CodecIndex(cfg.Codec); err != nil {
		return codecEntry[VideoEncoderConfig, VideoEncoder]{}, cfg, unsupported(err)
	}
	if err := checkDimensions(cfg.Width, cfg.Height); err != nil {
		return codecEntry[VideoEncoderConfig, VideoEncoder]{}, cfg, unsupported(err)
	}
	if cfg.FPS <= 0 {
		return codecEntry[VideoEncoderConfig, VideoEncoder]{}, cfg, unsupported(fmt.Errorf("framerate %d", cfg.FPS))
	}

	r.mu.RLock()
	e, p, err := r.videoEnc.pick(cfg.Codec, cfg.Provider)
	r.mu.RUnlock()
	if err != nil {
		return e, cfg, unsupported(err)
	}
	cfg.Provider = p
	if e.check != nil {
		if err := e.check(cfg); err != nil {
			return e, cfg, unsupported(err)
		}
	}
	return e, cfg, nil
}

// CheckVideoEncoder implements CodecFactory.
func (r *CodecRegistry) CheckVideoEncoder(cfg VideoEncoderConfig) error {
	_, _, err := r.videoEncoderEntry(cfg)
	return err
}

// NewVideoEncoder implements CodecFactory.
func (r *CodecRegistry) NewVideoEncoder(cfg VideoEncoderConfig) (VideoEncoder, error) {
	e, cfg, err := r.videoEncoderEntry(cfg)
	if err != nil {
		return nil, err
	}
	return e.create(cfg)
}

func (r *CodecRegistry) videoDecoderEntry(cfg VideoDecoderConfig) (codecEntry[VideoDecoderConfig, VideoDecoder], VideoDecoderConfig, error) {
	unsupported := func(err error) error {
		return &ConfigUnsupportedError{Kind: "video decoder", Config: cfg.String(), Err: err}
	}
	if _, err := CodecIndex(cfg.Codec); err != nil {
		return codecEntry[VideoDecoderConfig, VideoDecoder]{}, cfg, unsupported(err)
	}
	if err := checkDimensions(cfg.CodedWidth, cfg.CodedHeight); err != nil {
		return codecEntry[VideoDecoderConfig, VideoDecoder]{}, cfg, unsupported(err)
	}

	r.mu.RLock()
	e, p, err := r.videoDec.pick(cfg.Codec, cfg.Provider)
	r.mu.RUnlock()
	if err != nil {
		return e, cfg, unsupported(err)
	}
	cfg.Provider = p
	if e.check != nil {
		if err := e.check(cfg); err != nil {
			return e, cfg, unsupported(err)
		}
	}
	return e, cfg, nil
}

// CheckVideoDecoder implements CodecFactory.
func (r *CodecRegistry) CheckVideoDecoder(cfg VideoDecoderConfig) error {
	_, _, err := r.videoDecoderEntry(cfg)
	return err
}

// NewVideoDecoder implements CodecFactory.
func (r *CodecRegistry) NewVideoDecoder(cfg VideoDecoderConfig) (VideoDecoder, error) {
	e, cfg, err := r.videoDecoderEntry(cfg)
	if err != nil {
		return nil, err
	}
	return e.create(cfg)
}

func (r *CodecRegistry) audioEncoderEntry(cfg AudioEncoderConfig) (codecEntry[AudioEncoderConfig, AudioEncoder], AudioEncoderConfig, error) {
	unsupported := func(err error) error {
		return &ConfigUnsupportedError{Kind: "audio encoder", Config: cfg.String(), Err: err}
	}
	if err := checkOpusFormat(cfg.Codec, cfg.SampleRate, cfg.Channels); err != nil {
		return codecEntry[AudioEncoderConfig, AudioEncoder]{}, cfg, unsupported(err)
	}
	if err := checkOpusFrameDuration(cfg.FrameDuration); err != nil {
		return codecEntry[AudioEncoderConfig, AudioEncoder]{}, cfg, unsupported(err)
	}

	r.mu.RLock()
	e, p, err := r.audioEnc.pick(cfg.Codec, cfg.Provider)
	r.mu.RUnlock()
	if err != nil {
		return e, cfg, unsupported(err)
	}
	cfg.Provider = p
	if e.check != nil {
		if err := e.check(cfg); err != nil {
			return e, cfg, unsupported(err)
		}
	}
	return e, cfg, nil
}

// CheckAudioEncoder implements CodecFactory.
func (r *CodecRegistry) CheckAudioEncoder(cfg AudioEncoderConfig) error {
	_, _, err := r.audioEncoderEntry(cfg)
	return err
}

// NewAudioEncoder implements CodecFactory.
func (r *CodecRegistry) NewAudioEncoder(cfg AudioEncoderConfig) (AudioEncoder, error) {
	e, cfg, err := r.audioEncoderEntry(cfg)
	if err != nil {
		return nil, err
	}
	return e.create(cfg)
}

func (r *CodecRegistry) audioDecoderEntry(cfg AudioDecoderConfig) (codecEntry[AudioDecoderConfig, AudioDecoder], AudioDecoderConfig, error) {
	unsupported := func(err error) error {
		return &ConfigUnsupportedError{Kind: "audio decoder", Config: cfg.String(), Err: err}
	}
	if err := checkOpusFormat(cfg.Codec, cfg.SampleRate, cfg.Channels); err != nil {
		return codecEntry[AudioDecoderConfig, AudioDecoder]{}, cfg, unsupported(err)
	}

	r.mu.RLock()
	e, p, err := r.audioDec.pick(cfg.Codec, cfg.Provider)
	r.mu.RUnlock()
	if err != nil {
		return e, cfg, unsupported(err)
	}
	cfg.Provider = p
	if e.check != nil {
		if err := e.check(cfg); err != nil {
			return e, cfg, unsupported(err)
		}
	}
	return e, cfg, nil
}

// CheckAudioDecoder implements CodecFactory.
func (r *CodecRegistry) CheckAudioDecoder(cfg AudioDecoderConfig) error {
	_, _, err := r.audioDecoderEntry(cfg)
	return err
}

// NewAudioDecoder implements CodecFactory.
func (r *CodecRegistry) NewAudioDecoder(cfg AudioDecoderConfig) (AudioDecoder, error) {
	e, cfg, err := r.audioDecoderEntry(cfg)
	if err != nil {
		return nil, err
	}
	return e.create(cfg)
}

func checkDimensions(w, h int) error {
	if w <= 0 || h <= 0 || w > math.MaxUint16 || h > math.MaxUint16 {
		return fmt.Errorf("dimensions %dx%d outside 1..%d", w, h, math.MaxUint16)
	}
	return nil
}

var opusSampleRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

func checkOpusFormat(codec AudioCodec, sampleRate, channels int) error {
	if codec != AudioCodecOpus {
		return fmt.Errorf("%w: %s", ErrUnknownCodec, codec)
	}
	if !opusSampleRates[sampleRate] {
		return fmt.Errorf("sample rate %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return fmt.Errorf("channel count %d", channels)
	}
	return nil
}

func checkOpusFrameDuration(d time.Duration) error {
	switch d {
	case 2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond,
		20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
		return nil
	}
	return fmt.Errorf("frame duration %s", d)
}
