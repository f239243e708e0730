//go:build (darwin || linux) && !nonative

// Native codec sessions through the media SDK shim libraries using purego:
//   - libmedia_vpx   VP8 and VP9 over libvpx (media_vpx_*)
//   - libmedia_av1   AV1 over libaom (media_av1_*)
//   - libstream_opus Opus over libopus (stream_opus_*)
//
// Each library loads on its own; a missing one only removes its codecs.
// Library locations checked (in order):
//   - the library's own environment variable (full path), e.g. MEDIA_VPX_LIB_PATH
//   - the SDK directory variable, MEDIA_SDK_LIB_PATH or STREAM_SDK_LIB_PATH
//   - next to the executable, build/ and build/ffi under the working directory and module root
//   - system library paths

package callmedia

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// libmedia_vpx function pointers
var (
	vpxEncoderCreate        func(codec, width, height, fps, bitrateKbps, threads int32) uint64
	vpxEncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	vpxEncoderMaxOutputSize func(encoder uint64) int32
	vpxEncoderDestroy       func(encoder uint64)
	vpxDecoderCreate        func(codec, threads int32) uint64
	vpxDecoderDecodeV2      func(decoder uint64, data uintptr, dataLen int32, resultOut uintptr) int32
	vpxDecoderDestroy       func(decoder uint64)
	vpxGetError             func() uintptr
	vpxCodecAvailable       func(codec int32) int32
)

// libmedia_av1 function pointers
var (
	av1EncoderCreate        func(width, height, fps, bitrateKbps, usage, threads int32) uint64
	av1EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	av1EncoderMaxOutputSize func(encoder uint64) int32
	av1EncoderDestroy       func(encoder uint64)
	av1DecoderCreate        func(threads int32) uint64
	av1DecoderDecode        func(decoder uint64, data uintptr, dataLen int32, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight uintptr) int32
	av1DecoderDestroy       func(decoder uint64)
	av1GetError             func() uintptr
	av1EncoderAvailable     func() int32
	av1DecoderAvailable     func() int32
)

// libstream_opus function pointers
var (
	opusEncoderCreate      func(sampleRate, channels, application int32) uint64
	opusEncoderEncodeFloat func(encoder uint64, pcm uintptr, frameSize int32, outData uintptr, outCapacity int32) int32
	opusEncoderSetBitrate  func(encoder uint64, bitrate int32) int32
	opusEncoderDestroy     func(encoder uint64)
	opusDecoderCreate      func(sampleRate, channels int32) uint64
	opusDecoderDecodeFloat func(decoder uint64, data uintptr, dataLen int32, pcm uintptr, frameSize, decodeFEC int32) int32
	opusDecoderDestroy     func(decoder uint64)
	opusGetError           func() uintptr
)

// Constants from media_vpx.h, media_av1.h and stream_opus.h
const (
	vpxCodecVP8 = 0
	vpxCodecVP9 = 1

	// Key frames are type 0 in both video shims.
	shimFrameKey = 0

	av1UsageRealtime = 1

	opusApplicationVOIP = 2048
	opusMaxPacket       = 4000
)

// sharedLib is one dlopen'd shim library.
type sharedLib struct {
	name    string
	pathEnv string
	dirEnv  string
	bind    func(handle uintptr) error

	once   sync.Once
	handle uintptr
	err    error
}

var (
	vpxLib  = &sharedLib{name: "libmedia_vpx", pathEnv: "MEDIA_VPX_LIB_PATH", dirEnv: "MEDIA_SDK_LIB_PATH", bind: bindVPX}
	av1Lib  = &sharedLib{name: "libmedia_av1", pathEnv: "MEDIA_AV1_LIB_PATH", dirEnv: "MEDIA_SDK_LIB_PATH", bind: bindAV1}
	opusLib = &sharedLib{name: "libstream_opus", pathEnv: "STREAM_OPUS_LIB_PATH", dirEnv: "STREAM_SDK_LIB_PATH", bind: bindOpus}
)

func (l *sharedLib) load() error {
	l.once.Do(func() {
		var lastErr error
		for _, path := range l.paths() {
			handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err != nil {
				lastErr = err
				continue
			}
			if err := l.bind(handle); err != nil {
				purego.Dlclose(handle)
				lastErr = err
				continue
			}
			l.handle = handle
			return
		}
		if lastErr != nil {
			l.err = fmt.Errorf("failed to load %s: %w", l.name, lastErr)
			return
		}
		l.err = fmt.Errorf("%s not found in any standard location", l.name)
	})
	return l.err
}

func (l *sharedLib) paths() []string {
	libName := l.name + ".so"
	if runtime.GOOS == "darwin" {
		libName = l.name + ".dylib"
	}

	var paths []string
	if p := os.Getenv(l.pathEnv); p != "" {
		paths = append(paths, p)
	}
	if dir := os.Getenv(l.dirEnv); dir != "" {
		paths = append(paths, filepath.Join(dir, libName))
	}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths,
			filepath.Join(wd, "build", libName),
			filepath.Join(wd, "build", "ffi", libName),
		)
	}
	if root := findModuleRoot(); root != "" {
		paths = append(paths,
			filepath.Join(root, "build", libName),
			filepath.Join(root, "build", "ffi", libName),
		)
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths, libName, "/usr/local/lib/"+libName, "/opt/homebrew/lib/"+libName)
	case "linux":
		paths = append(paths, libName, "/usr/local/lib/"+libName, "/usr/lib/"+libName)
	}
	return paths
}

// symbols binds each function pointer, failing on the first missing symbol
// instead of letting RegisterLibFunc panic.
type symbols map[string]any

func (s symbols) bind(handle uintptr) error {
	for name := range s {
		if _, err := purego.Dlsym(handle, name); err != nil {
			return fmt.Errorf("symbol %s: %w", name, err)
		}
	}
	for name, fptr := range s {
		purego.RegisterLibFunc(fptr, handle, name)
	}
	return nil
}

func bindVPX(handle uintptr) error {
	return symbols{
		"media_vpx_encoder_create":          &vpxEncoderCreate,
		"media_vpx_encoder_encode":          &vpxEncoderEncode,
		"media_vpx_encoder_max_output_size": &vpxEncoderMaxOutputSize,
		"media_vpx_encoder_destroy":         &vpxEncoderDestroy,
		"media_vpx_decoder_create":          &vpxDecoderCreate,
		"media_vpx_decoder_decode_v2":       &vpxDecoderDecodeV2,
		"media_vpx_decoder_destroy":         &vpxDecoderDestroy,
		"media_vpx_get_error":               &vpxGetError,
		"media_vpx_codec_available":         &vpxCodecAvailable,
	}.bind(handle)
}

func bindAV1(handle uintptr) error {
	return symbols{
		"media_av1_encoder_create":          &av1EncoderCreate,
		"media_av1_encoder_encode":          &av1EncoderEncode,
		"media_av1_encoder_max_output_size": &av1EncoderMaxOutputSize,
		"media_av1_encoder_destroy":         &av1EncoderDestroy,
		"media_av1_decoder_create":          &av1DecoderCreate,
		"media_av1_decoder_decode":          &av1DecoderDecode,
		"media_av1_decoder_destroy":         &av1DecoderDestroy,
		"media_av1_get_error":               &av1GetError,
		"media_av1_encoder_available":       &av1EncoderAvailable,
		"media_av1_decoder_available":       &av1DecoderAvailable,
	}.bind(handle)
}

func bindOpus(handle uintptr) error {
	return symbols{
		"stream_opus_encoder_create":       &opusEncoderCreate,
		"stream_opus_encoder_encode_float": &opusEncoderEncodeFloat,
		"stream_opus_encoder_set_bitrate":  &opusEncoderSetBitrate,
		"stream_opus_encoder_destroy":      &opusEncoderDestroy,
		"stream_opus_decoder_create":       &opusDecoderCreate,
		"stream_opus_decoder_decode_float": &opusDecoderDecodeFloat,
		"stream_opus_decoder_destroy":      &opusDecoderDestroy,
		"stream_opus_get_error":            &opusGetError,
	}.bind(handle)
}

func shimError(get func() uintptr) string {
	if ptr := get(); ptr != 0 {
		return goStringFromPtr(ptr)
	}
	return "unknown error"
}

// decodedPicture matches media_vpx_decode_result_t; AV1 output is copied
// into the same shape. It must be heap-allocated for purego on arm64.
type decodedPicture struct {
	YPtr     uint64
	UPtr     uint64
	VPtr     uint64
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
	Result   int32 // 1=decoded, 0=buffering, <0=error
	Reserved int32
}

// videoShim adapts one shim library to a single codec.
type videoShim struct {
	codec      VideoCodec
	createEnc  func(w, h, fps, kbps, threads int32) uint64
	encode     func(enc uint64, y, u, v uintptr, yStride, uvStride, force int32, out uintptr, capacity int32, frameType, pts uintptr) int32
	maxOutput  func(enc uint64) int32
	destroyEnc func(enc uint64)
	createDec  func(threads int32) uint64
	decode     func(dec uint64, data []byte, pic *decodedPicture) int32
	destroyDec func(dec uint64)
	lastError  func() string
}

func vpxShim(codec VideoCodec, id int32) *videoShim {
	return &videoShim{
		codec: codec,
		createEnc: func(w, h, fps, kbps, threads int32) uint64 {
			return vpxEncoderCreate(id, w, h, fps, kbps, threads)
		},
		encode:     vpxEncoderEncode,
		maxOutput:  vpxEncoderMaxOutputSize,
		destroyEnc: vpxEncoderDestroy,
		createDec:  func(threads int32) uint64 { return vpxDecoderCreate(id, threads) },
		decode: func(dec uint64, data []byte, pic *decodedPicture) int32 {
			n := vpxDecoderDecodeV2(dec, uintptr(unsafe.Pointer(&data[0])), int32(len(data)), uintptr(unsafe.Pointer(pic)))
			runtime.KeepAlive(data)
			runtime.KeepAlive(pic)
			return n
		},
		destroyDec: vpxDecoderDestroy,
		lastError:  func() string { return shimError(vpxGetError) },
	}
}

func av1Shim() *videoShim {
	return &videoShim{
		codec: VideoCodecAV1,
		createEnc: func(w, h, fps, kbps, threads int32) uint64 {
			return av1EncoderCreate(w, h, fps, kbps, av1UsageRealtime, threads)
		},
		encode:     av1EncoderEncode,
		maxOutput:  av1EncoderMaxOutputSize,
		destroyEnc: av1EncoderDestroy,
		createDec:  func(threads int32) uint64 { return av1DecoderCreate(threads) },
		decode: func(dec uint64, data []byte, pic *decodedPicture) int32 {
			var y, u, v uintptr
			var ys, uvs, w, h int32
			n := av1DecoderDecode(dec, uintptr(unsafe.Pointer(&data[0])), int32(len(data)),
				uintptr(unsafe.Pointer(&y)), uintptr(unsafe.Pointer(&u)), uintptr(unsafe.Pointer(&v)),
				uintptr(unsafe.Pointer(&ys)), uintptr(unsafe.Pointer(&uvs)),
				uintptr(unsafe.Pointer(&w)), uintptr(unsafe.Pointer(&h)))
			runtime.KeepAlive(data)
			*pic = decodedPicture{YPtr: uint64(y), UPtr: uint64(u), VPtr: uint64(v), YStride: ys, UVStride: uvs, Width: w, Height: h, Result: n}
			return n
		},
		destroyDec: av1DecoderDestroy,
		lastError:  func() string { return shimError(av1GetError) },
	}
}

// RegisterNativeCodecs loads the shim libraries and registers the native
// provider for every codec they report as available. It fails only when
// none of them load.
func RegisterNativeCodecs(r *CodecRegistry) error {
	var shims []*videoShim
	var errs []error

	if err := vpxLib.load(); err != nil {
		errs = append(errs, err)
	} else {
		if vpxCodecAvailable(vpxCodecVP8) != 0 {
			shims = append(shims, vpxShim(VideoCodecVP8, vpxCodecVP8))
		}
		if vpxCodecAvailable(vpxCodecVP9) != 0 {
			shims = append(shims, vpxShim(VideoCodecVP9, vpxCodecVP9))
		}
	}
	if err := av1Lib.load(); err != nil {
		errs = append(errs, err)
	} else if av1EncoderAvailable() != 0 && av1DecoderAvailable() != 0 {
		shims = append(shims, av1Shim())
	}
	opusErr := opusLib.load()
	if opusErr != nil {
		errs = append(errs, opusErr)
	}

	if len(shims) == 0 && opusErr != nil {
		return errors.Join(errs...)
	}
	setProviderAvailable(ProviderNative)

	for _, shim := range shims {
		shim := shim
		r.RegisterVideoEncoder(shim.codec, ProviderNative, checkNativeVideoEncoder, func(cfg VideoEncoderConfig) (VideoEncoder, error) {
			return newNativeVideoEncoder(shim, cfg)
		})
		r.RegisterVideoDecoder(shim.codec, ProviderNative, nil, func(cfg VideoDecoderConfig) (VideoDecoder, error) {
			return newNativeVideoDecoder(shim, cfg)
		})
	}
	if opusErr == nil {
		r.RegisterAudioEncoder(AudioCodecOpus, ProviderNative, nil, func(cfg AudioEncoderConfig) (AudioEncoder, error) {
			return newNativeOpusEncoder(cfg)
		})
		r.RegisterAudioDecoder(AudioCodecOpus, ProviderNative, nil, func(cfg AudioDecoderConfig) (AudioDecoder, error) {
			return newNativeOpusDecoder(cfg)
		})
	}
	return nil
}

// libvpx and libaom need even dimensions for 4:2:0.
func checkNativeVideoEncoder(cfg VideoEncoderConfig) error {
	if cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return fmt.Errorf("odd dimensions %dx%d", cfg.Width, cfg.Height)
	}
	return nil
}

// nativeVideoEncoder is one encoder session. The shims cannot resize a
// running encoder, so Reconfigure swaps the native handle underneath the
// session.
type nativeVideoEncoder struct {
	mu     sync.Mutex
	shim   *videoShim
	config VideoEncoderConfig
	handle uint64
	out    []byte
}

func newNativeVideoEncoder(shim *videoShim, cfg VideoEncoderConfig) (*nativeVideoEncoder, error) {
	e := &nativeVideoEncoder{shim: shim, config: cfg}
	if err := e.open(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *nativeVideoEncoder) open(width, height int) error {
	bitrateKbps := e.config.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}
	threads := e.config.Threads
	if threads <= 0 {
		threads = 4
	}
	fps := e.config.FPS
	if fps <= 0 {
		fps = 30
	}

	handle := e.shim.createEnc(int32(width), int32(height), int32(fps), int32(bitrateKbps), int32(threads))
	if handle == 0 {
		return fmt.Errorf("failed to create %s encoder: %s", e.shim.codec, e.shim.lastError())
	}
	n := int(e.shim.maxOutput(handle))
	if n <= 0 {
		n = I420Size(width, height)
	}
	e.handle = handle
	e.out = make([]byte, n)
	return nil
}

func (e *nativeVideoEncoder) Encode(frame *VideoFrame, keyframe bool) ([]*EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return nil, fmt.Errorf("native encoder: %w", ErrSessionClosed)
	}
	if frame.Width != e.config.Width || frame.Height != e.config.Height {
		return nil, fmt.Errorf("native encoder: frame %dx%d does not match configured %dx%d", frame.Width, frame.Height, e.config.Width, e.config.Height)
	}

	force := int32(0)
	if keyframe {
		force = 1
	}
	var frameType int32
	var pts int64
	n := e.shim.encode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		int32(frame.Stride[0]),
		int32(frame.Stride[1]),
		force,
		uintptr(unsafe.Pointer(&e.out[0])),
		int32(len(e.out)),
		uintptr(unsafe.Pointer(&frameType)),
		uintptr(unsafe.Pointer(&pts)),
	)
	runtime.KeepAlive(frame)
	if n < 0 {
		return nil, fmt.Errorf("encode failed: %s", e.shim.lastError())
	}
	if n == 0 {
		return nil, nil
	}

	ft := FrameTypeDelta
	if frameType == shimFrameKey {
		ft = FrameTypeKey
	}
	data := make([]byte, n)
	copy(data, e.out[:n])
	return []*EncodedFrame{{
		Data:      data,
		FrameType: ft,
		Timestamp: frame.Timestamp,
		Width:     e.config.Width,
		Height:    e.config.Height,
	}}, nil
}

func (e *nativeVideoEncoder) Reconfigure(width, height int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return fmt.Errorf("native encoder: %w", ErrSessionClosed)
	}
	old := e.handle
	if err := e.open(width, height); err != nil {
		e.handle = old
		return fmt.Errorf("reconfigure to %dx%d: %w", width, height, err)
	}
	e.shim.destroyEnc(old)
	e.config.Width, e.config.Height = width, height
	return nil
}

// Flush returns nothing: the shims run libvpx and libaom without lag, so
// every frame is emitted by its Encode call.
func (e *nativeVideoEncoder) Flush() ([]*EncodedFrame, error) { return nil, nil }

func (e *nativeVideoEncoder) Config() VideoEncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

func (e *nativeVideoEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		e.shim.destroyEnc(e.handle)
		e.handle = 0
	}
	return nil
}

type nativeVideoDecoder struct {
	shim   *videoShim
	handle uint64
	pic    *decodedPicture
}

func newNativeVideoDecoder(shim *videoShim, cfg VideoDecoderConfig) (*nativeVideoDecoder, error) {
	if cfg.Codec != shim.codec {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, cfg.Codec)
	}
	handle := shim.createDec(0)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create %s decoder: %s", cfg.Codec, shim.lastError())
	}
	return &nativeVideoDecoder{shim: shim, handle: handle, pic: new(decodedPicture)}, nil
}

func (d *nativeVideoDecoder) Decode(frame *EncodedFrame) ([]*VideoFrame, error) {
	if d.handle == 0 {
		return nil, fmt.Errorf("native decoder: %w", ErrSessionClosed)
	}
	if len(frame.Data) == 0 {
		return nil, nil
	}
	*d.pic = decodedPicture{}
	n := d.shim.decode(d.handle, frame.Data, d.pic)
	if n < 0 {
		return nil, fmt.Errorf("decode failed: %s", d.shim.lastError())
	}
	if n == 0 {
		return nil, nil
	}

	p := d.pic
	w, h := int(p.Width), int(p.Height)
	if w <= 0 || h <= 0 || p.YPtr == 0 || p.YStride <= 0 || p.UVStride <= 0 {
		return nil, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d", p.YStride, p.UVStride, w, h)
	}
	cw, ch := (w+1)/2, (h+1)/2
	// Planes point into decoder memory valid until the next call; copy out.
	y := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p.YPtr))), int(p.YStride)*h)
	u := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p.UPtr))), int(p.UVStride)*ch)
	v := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p.VPtr))), int(p.UVStride)*ch)

	out := NewI420Frame(w, h)
	copyPlane(out.Data[0], y, int(p.YStride), w, h)
	copyPlane(out.Data[1], u, int(p.UVStride), cw, ch)
	copyPlane(out.Data[2], v, int(p.UVStride), cw, ch)
	out.Timestamp = frame.Timestamp
	return []*VideoFrame{out}, nil
}

func (d *nativeVideoDecoder) Flush() ([]*VideoFrame, error) { return nil, nil }

func (d *nativeVideoDecoder) Close() error {
	if d.handle != 0 {
		d.shim.destroyDec(d.handle)
		d.handle = 0
	}
	return nil
}

type nativeOpusEncoder struct {
	config AudioEncoderConfig
	handle uint64
	out    []byte
}

func newNativeOpusEncoder(cfg AudioEncoderConfig) (*nativeOpusEncoder, error) {
	handle := opusEncoderCreate(int32(cfg.SampleRate), int32(cfg.Channels), opusApplicationVOIP)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create opus encoder: %s", shimError(opusGetError))
	}
	if cfg.BitrateBps > 0 && opusEncoderSetBitrate(handle, int32(cfg.BitrateBps)) < 0 {
		err := fmt.Errorf("opus bitrate %d: %s", cfg.BitrateBps, shimError(opusGetError))
		opusEncoderDestroy(handle)
		return nil, err
	}
	return &nativeOpusEncoder{config: cfg, handle: handle, out: make([]byte, opusMaxPacket)}, nil
}

func (e *nativeOpusEncoder) Encode(samples *AudioSamples) ([]*EncodedAudio, error) {
	if e.handle == 0 {
		return nil, fmt.Errorf("opus encoder: %w", ErrSessionClosed)
	}
	frames := samples.Frames()
	if frames == 0 {
		return nil, nil
	}
	n := opusEncoderEncodeFloat(e.handle, uintptr(unsafe.Pointer(&samples.Data[0])), int32(frames),
		uintptr(unsafe.Pointer(&e.out[0])), int32(len(e.out)))
	runtime.KeepAlive(samples)
	if n < 0 {
		return nil, fmt.Errorf("opus encode failed: %s", shimError(opusGetError))
	}
	data := make([]byte, n)
	copy(data, e.out[:n])
	return []*EncodedAudio{{
		Data:      data,
		Timestamp: samples.Timestamp,
		Duration:  samples.Duration().Microseconds(),
	}}, nil
}

func (e *nativeOpusEncoder) Flush() ([]*EncodedAudio, error) { return nil, nil }
func (e *nativeOpusEncoder) Config() AudioEncoderConfig     { return e.config }

func (e *nativeOpusEncoder) Close() error {
	if e.handle != 0 {
		opusEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

type nativeOpusDecoder struct {
	config AudioDecoderConfig
	handle uint64
	pcm    []float32
}

func newNativeOpusDecoder(cfg AudioDecoderConfig) (*nativeOpusDecoder, error) {
	handle := opusDecoderCreate(int32(cfg.SampleRate), int32(cfg.Channels))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create opus decoder: %s", shimError(opusGetError))
	}
	// 120ms is the longest opus packet.
	maxFrames := cfg.SampleRate * 120 / 1000
	return &nativeOpusDecoder{config: cfg, handle: handle, pcm: make([]float32, maxFrames*cfg.Channels)}, nil
}

func (d *nativeOpusDecoder) Decode(frame *EncodedAudio) (*AudioSamples, error) {
	if d.handle == 0 {
		return nil, fmt.Errorf("opus decoder: %w", ErrSessionClosed)
	}
	if len(frame.Data) == 0 {
		return nil, nil
	}
	maxFrames := len(d.pcm) / d.config.Channels
	n := opusDecoderDecodeFloat(d.handle, uintptr(unsafe.Pointer(&frame.Data[0])), int32(len(frame.Data)),
		uintptr(unsafe.Pointer(&d.pcm[0])), int32(maxFrames), 0)
	runtime.KeepAlive(frame)
	if n < 0 {
		return nil, fmt.Errorf("opus decode failed: %s", shimError(opusGetError))
	}
	out := &AudioSamples{
		Data:       make([]float32, int(n)*d.config.Channels),
		SampleRate: d.config.SampleRate,
		Channels:   d.config.Channels,
		Timestamp:  frame.Timestamp,
	}
	copy(out.Data, d.pcm)
	return out, nil
}

func (d *nativeOpusDecoder) Flush() ([]*AudioSamples, error) { return nil, nil }

func (d *nativeOpusDecoder) Close() error {
	if d.handle != 0 {
		opusDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}
