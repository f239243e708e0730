package callmedia

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// Raw sessions carry uncompressed media with the same session semantics as a
// real codec: keyframes reset the decoder reference, delta frames need one.
//
// Video bitstream:
//
//	uint8 flags (bit 0 = keyframe) | uint16 width | uint16 height | Y | U | V
//
// Audio bitstream: big-endian int16 interleaved PCM.

const rawVideoHeaderSize = 5

var errRawNoReference = errors.New("delta frame without reference keyframe")

func registerRawCodecs(r *CodecRegistry) {
	for _, codec := range wireCodecs {
		codec := codec
		r.RegisterVideoEncoder(codec, ProviderRaw, nil, func(cfg VideoEncoderConfig) (VideoEncoder, error) {
			return newRawVideoEncoder(cfg), nil
		})
		r.RegisterVideoDecoder(codec, ProviderRaw, nil, func(cfg VideoDecoderConfig) (VideoDecoder, error) {
			return &rawVideoDecoder{}, nil
		})
	}
	r.RegisterAudioEncoder(AudioCodecOpus, ProviderRaw, nil, func(cfg AudioEncoderConfig) (AudioEncoder, error) {
		return &rawAudioEncoder{config: cfg}, nil
	})
	r.RegisterAudioDecoder(AudioCodecOpus, ProviderRaw, nil, func(cfg AudioDecoderConfig) (AudioDecoder, error) {
		return &rawAudioDecoder{config: cfg}, nil
	})
}

type rawVideoEncoder struct {
	mu       sync.Mutex
	config   VideoEncoderConfig
	needsKey bool
	closed   bool
}

func newRawVideoEncoder(cfg VideoEncoderConfig) *rawVideoEncoder {
	return &rawVideoEncoder{config: cfg, needsKey: true}
}

func (e *rawVideoEncoder) Encode(frame *VideoFrame, keyframe bool) ([]*EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("raw encoder: %w", ErrSessionClosed)
	}
	w, h := e.config.Width, e.config.Height
	if frame.Width != w || frame.Height != h {
		return nil, fmt.Errorf("raw encoder: frame %dx%d does not match configured %dx%d", frame.Width, frame.Height, w, h)
	}
	if frame.Format != PixelFormatI420 || len(frame.Data) < 3 {
		return nil, fmt.Errorf("raw encoder: unsupported pixel format %s", frame.Format)
	}

	key := keyframe || e.needsKey
	e.needsKey = false

	cw, ch := (w+1)/2, (h+1)/2
	buf := make([]byte, rawVideoHeaderSize+I420Size(w, h))
	if key {
		buf[0] = 1
	}
	binary.BigEndian.PutUint16(buf[1:], uint16(w))
	binary.BigEndian.PutUint16(buf[3:], uint16(h))
	off := rawVideoHeaderSize
	off += copyPlane(buf[off:], frame.Data[0], frame.Stride[0], w, h)
	off += copyPlane(buf[off:], frame.Data[1], frame.Stride[1], cw, ch)
	copyPlane(buf[off:], frame.Data[2], frame.Stride[2], cw, ch)

	ft := FrameTypeDelta
	if key {
		ft = FrameTypeKey
	}
	return []*EncodedFrame{{
		Data:      buf,
		FrameType: ft,
		Timestamp: frame.Timestamp,
		Width:     w,
		Height:    h,
	}}, nil
}

// copyPlane packs a strided plane tightly into dst and returns bytes written.
func copyPlane(dst, src []byte, stride, w, h int) int {
	for y := 0; y < h; y++ {
		copy(dst[y*w:(y+1)*w], src[y*stride:y*stride+w])
	}
	return w * h
}

func (e *rawVideoEncoder) Reconfigure(width, height int) error {
	if err := checkDimensions(width, height); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("raw encoder: %w", ErrSessionClosed)
	}
	e.config.Width, e.config.Height = width, height
	e.needsKey = true
	return nil
}

func (e *rawVideoEncoder) Flush() ([]*EncodedFrame, error) { return nil, nil }

func (e *rawVideoEncoder) Config() VideoEncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

func (e *rawVideoEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

type rawVideoDecoder struct {
	hasRef bool
	closed bool
}

func (d *rawVideoDecoder) Decode(frame *EncodedFrame) ([]*VideoFrame, error) {
	if d.closed {
		return nil, fmt.Errorf("raw decoder: %w", ErrSessionClosed)
	}
	data := frame.Data
	if len(data) < rawVideoHeaderSize {
		return nil, fmt.Errorf("raw decoder: truncated frame")
	}
	key := data[0]&1 != 0
	w := int(binary.BigEndian.Uint16(data[1:]))
	h := int(binary.BigEndian.Uint16(data[3:]))
	if len(data)-rawVideoHeaderSize != I420Size(w, h) {
		return nil, fmt.Errorf("raw decoder: %d bytes for %dx%d frame", len(data)-rawVideoHeaderSize, w, h)
	}
	if !key && !d.hasRef {
		return nil, fmt.Errorf("raw decoder: %w", errRawNoReference)
	}
	d.hasRef = true

	out := NewI420Frame(w, h)
	off := rawVideoHeaderSize
	for i := range out.Data {
		n := copy(out.Data[i], data[off:])
		off += n
	}
	out.Timestamp = frame.Timestamp
	return []*VideoFrame{out}, nil
}

func (d *rawVideoDecoder) Flush() ([]*VideoFrame, error) { return nil, nil }

func (d *rawVideoDecoder) Close() error {
	d.closed = true
	return nil
}

type rawAudioEncoder struct {
	config AudioEncoderConfig
	closed bool
}

func (e *rawAudioEncoder) Encode(samples *AudioSamples) ([]*EncodedAudio, error) {
	if e.closed {
		return nil, fmt.Errorf("raw audio encoder: %w", ErrSessionClosed)
	}
	if samples.Channels != e.config.Channels {
		return nil, fmt.Errorf("raw audio encoder: %d channels, configured %d", samples.Channels, e.config.Channels)
	}
	buf := make([]byte, 2*len(samples.Data))
	for i, s := range samples.Data {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(floatToS16(s)))
	}
	return []*EncodedAudio{{
		Data:      buf,
		Timestamp: samples.Timestamp,
		Duration:  samples.Duration().Microseconds(),
	}}, nil
}

func (e *rawAudioEncoder) Flush() ([]*EncodedAudio, error) { return nil, nil }
func (e *rawAudioEncoder) Config() AudioEncoderConfig     { return e.config }

func (e *rawAudioEncoder) Close() error {
	e.closed = true
	return nil
}

type rawAudioDecoder struct {
	config AudioDecoderConfig
	closed bool
}

func (d *rawAudioDecoder) Decode(frame *EncodedAudio) (*AudioSamples, error) {
	if d.closed {
		return nil, fmt.Errorf("raw audio decoder: %w", ErrSessionClosed)
	}
	if len(frame.Data)%(2*d.config.Channels) != 0 {
		return nil, fmt.Errorf("raw audio decoder: %d bytes is not a whole number of %d-channel samples", len(frame.Data), d.config.Channels)
	}
	out := &AudioSamples{
		Data:       make([]float32, len(frame.Data)/2),
		SampleRate: d.config.SampleRate,
		Channels:   d.config.Channels,
		Timestamp:  frame.Timestamp,
	}
	for i := range out.Data {
		out.Data[i] = float32(int16(binary.BigEndian.Uint16(frame.Data[2*i:]))) / 32768
	}
	return out, nil
}

func (d *rawAudioDecoder) Flush() ([]*AudioSamples, error) { return nil, nil }

func (d *rawAudioDecoder) Close() error {
	d.closed = true
	return nil
}

func floatToS16(v float32) int16 {
	f := math.Round(float64(v) * 32768)
	if f > math.MaxInt16 {
		return math.MaxInt16
	}
	if f < math.MinInt16 {
		return math.MinInt16
	}
	return int16(f)
}
