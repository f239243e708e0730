package callmedia

import (
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// DefaultMTU is the RTP packet size limit used by the forwarder.
const DefaultMTU = 1200

const rtpHeaderSize = 12

// RTPForwarderConfig configures an RTPForwarder. Zero values pick the codec
// defaults and random SSRCs.
type RTPForwarderConfig struct {
	VideoPayloadType uint8
	AudioPayloadType uint8
	VideoSSRC        uint32
	AudioSSRC        uint32
	MTU              int
}

// RTPForwarder re-packetizes received records as RTP and writes one packet
// per Write call, so a UDP socket carries one datagram per packet.
type RTPForwarder struct {
	w      io.Writer
	config RTPForwarderConfig

	mu     sync.Mutex
	video  *rtpStream
	codec  VideoCodec
	audio  *rtpStream
	sent   uint64
	closed bool
}

// rtpStream stamps payloader output with one SSRC and sequence space.
type rtpStream struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	clockRate   uint32
	sequencer   rtp.Sequencer
	payloader   rtp.Payloader
	// Audio marks every packet; video only the last packet of a frame.
	markAll bool
}

func newRTPStream(payloader rtp.Payloader, ssrc uint32, pt uint8, clockRate uint32, mtu int) *rtpStream {
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}
	return &rtpStream{
		ssrc:        ssrc,
		payloadType: pt,
		mtu:         mtu,
		clockRate:   clockRate,
		sequencer:   rtp.NewRandomSequencer(),
		payloader:   payloader,
	}
}

// packetize splits one frame; tsMs is the record timestamp in milliseconds.
func (s *rtpStream) packetize(data []byte, tsMs uint32) []*rtp.Packet {
	if len(data) == 0 {
		return nil
	}
	payloads := s.payloader.Payload(uint16(s.mtu-rtpHeaderSize), data)
	ts := uint32(uint64(tsMs) * uint64(s.clockRate) / 1000)
	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         s.markAll || i == len(payloads)-1,
				PayloadType:    s.payloadType,
				SequenceNumber: s.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		}
	}
	return packets
}

func videoPayloader(c VideoCodec) (rtp.Payloader, error) {
	switch c {
	case VideoCodecVP8:
		return &codecs.VP8Payloader{EnablePictureID: true}, nil
	case VideoCodecVP9:
		// Flexible mode does not parse the frame header.
		return &codecs.VP9Payloader{FlexibleMode: true}, nil
	case VideoCodecAV1:
		return &codecs.AV1Payloader{}, nil
	default:
		return nil, fmt.Errorf("rtp forwarder: %w: %s", ErrUnknownCodec, c)
	}
}

// NewRTPForwarder writes RTP packets to w.
func NewRTPForwarder(w io.Writer, config RTPForwarderConfig) *RTPForwarder {
	if config.MTU <= rtpHeaderSize {
		config.MTU = DefaultMTU
	}
	return &RTPForwarder{w: w, config: config}
}

// DialRTPForwarder forwards to a UDP address such as "127.0.0.1:5004".
func DialRTPForwarder(addr string, config RTPForwarderConfig) (*RTPForwarder, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtp forwarder: %w", err)
	}
	return NewRTPForwarder(conn, config), nil
}

// WriteRecord implements RecordSink.
func (f *RTPForwarder) WriteRecord(rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("rtp forwarder: %w", ErrSessionClosed)
	}

	var packets []*rtp.Packet
	switch rec.Type {
	case RecordVideo:
		h := rec.Video.Header
		if f.video == nil || f.codec != h.Codec {
			payloader, err := videoPayloader(h.Codec)
			if err != nil {
				return err
			}
			pt := f.config.VideoPayloadType
			if pt == 0 {
				pt = h.Codec.DefaultPayloadType()
			}
			f.video = newRTPStream(payloader, f.config.VideoSSRC, pt, h.Codec.ClockRate(), f.config.MTU)
			f.codec = h.Codec
		}
		packets = f.video.packetize(rec.Video.Payload, h.Timestamp)
	case RecordAudio:
		if f.audio == nil {
			pt := f.config.AudioPayloadType
			if pt == 0 {
				pt = AudioCodecOpus.DefaultPayloadType()
			}
			f.audio = newRTPStream(&codecs.OpusPayloader{}, f.config.AudioSSRC, pt, AudioCodecOpus.ClockRate(), f.config.MTU)
			f.audio.markAll = true
		}
		packets = f.audio.packetize(rec.Audio.Payload, rec.Audio.Timestamp)
	}

	for _, pkt := range packets {
		b, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("rtp forwarder: marshal: %w", err)
		}
		if _, err := f.w.Write(b); err != nil {
			return fmt.Errorf("rtp forwarder: write: %w", err)
		}
		f.sent++
	}
	return nil
}

// Packets returns the number of packets written.
func (f *RTPForwarder) Packets() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

// Close closes the underlying writer if it is an io.Closer. Idempotent.
func (f *RTPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if c, ok := f.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
