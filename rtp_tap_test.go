package callmedia

import (
	"bytes"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packetWriter keeps each Write as one packet.
type packetWriter struct {
	mu      sync.Mutex
	packets []*rtp.Packet
	closed  bool
}

func (w *packetWriter) Write(b []byte) (int, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(append([]byte(nil), b...)); err != nil {
		return 0, err
	}
	w.mu.Lock()
	w.packets = append(w.packets, pkt)
	w.mu.Unlock()
	return len(b), nil
}

func (w *packetWriter) Close() error {
	w.closed = true
	return nil
}

func videoRecord(codec VideoCodec, ts uint32, payload []byte) Record {
	return Record{Type: RecordVideo, Video: &VideoRecord{
		Header:  VideoHeader{Timestamp: ts, Keyframe: true, Codec: codec, CodedWidth: 640, CodedHeight: 360},
		Payload: payload,
	}}
}

func TestRTPForwarder_VideoFragmentsFrame(t *testing.T) {
	frame := make([]byte, 3000)
	rand.New(rand.NewSource(7)).Read(frame)

	w := &packetWriter{}
	f := NewRTPForwarder(w, RTPForwarderConfig{VideoSSRC: 0x1234})
	require.NoError(t, f.WriteRecord(videoRecord(VideoCodecVP8, 100, frame)))

	require.Greater(t, len(w.packets), 2)
	assert.EqualValues(t, len(w.packets), f.Packets())

	var reassembled []byte
	for i, pkt := range w.packets {
		assert.LessOrEqual(t, pkt.MarshalSize(), DefaultMTU)
		assert.EqualValues(t, 96, pkt.PayloadType)
		assert.EqualValues(t, 0x1234, pkt.SSRC)
		assert.EqualValues(t, 9000, pkt.Timestamp)
		assert.Equal(t, i == len(w.packets)-1, pkt.Marker)
		if i > 0 {
			assert.Equal(t, w.packets[i-1].SequenceNumber+1, pkt.SequenceNumber)
		}
		var vp8 codecs.VP8Packet
		data, err := vp8.Unmarshal(pkt.Payload)
		require.NoError(t, err)
		assert.Equal(t, i == 0, vp8.S == 1)
		reassembled = append(reassembled, data...)
	}
	assert.True(t, bytes.Equal(frame, reassembled))
}

func TestRTPForwarder_Audio(t *testing.T) {
	w := &packetWriter{}
	f := NewRTPForwarder(w, RTPForwarderConfig{AudioSSRC: 42})
	require.NoError(t, f.WriteRecord(Record{Type: RecordAudio, Audio: &AudioRecord{Timestamp: 0, Payload: []byte{1, 2, 3}}}))
	require.NoError(t, f.WriteRecord(Record{Type: RecordAudio, Audio: &AudioRecord{Timestamp: 20, Payload: []byte{4, 5}}}))

	require.Len(t, w.packets, 2)
	for _, pkt := range w.packets {
		assert.EqualValues(t, 111, pkt.PayloadType)
		assert.EqualValues(t, 42, pkt.SSRC)
		assert.True(t, pkt.Marker)
	}
	assert.EqualValues(t, 960, w.packets[1].Timestamp-w.packets[0].Timestamp)
	assert.Equal(t, w.packets[0].SequenceNumber+1, w.packets[1].SequenceNumber)
	assert.Equal(t, []byte{4, 5}, w.packets[1].Payload)
}

func TestRTPForwarder_CodecChange(t *testing.T) {
	w := &packetWriter{}
	f := NewRTPForwarder(w, RTPForwarderConfig{})
	require.NoError(t, f.WriteRecord(videoRecord(VideoCodecVP8, 0, []byte{1, 2, 3})))
	require.NoError(t, f.WriteRecord(videoRecord(VideoCodecVP9, 33, []byte{1, 2, 3})))

	require.Len(t, w.packets, 2)
	assert.EqualValues(t, VideoCodecVP8.DefaultPayloadType(), w.packets[0].PayloadType)
	assert.EqualValues(t, VideoCodecVP9.DefaultPayloadType(), w.packets[1].PayloadType)
	assert.EqualValues(t, 2970, w.packets[1].Timestamp)

	err := f.WriteRecord(videoRecord(VideoCodecUnknown, 99, []byte{1}))
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestRTPForwarder_Close(t *testing.T) {
	w := &packetWriter{}
	f := NewRTPForwarder(w, RTPForwarderConfig{})
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.True(t, w.closed)
	assert.ErrorIs(t, f.WriteRecord(videoRecord(VideoCodecVP8, 0, []byte{1})), ErrSessionClosed)
}

func TestDialRTPForwarder_UDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	f, err := DialRTPForwarder(conn.LocalAddr().String(), RTPForwarderConfig{AudioPayloadType: 100})
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.WriteRecord(Record{Type: RecordAudio, Audio: &AudioRecord{Timestamp: 40, Payload: []byte{9, 9}}}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.EqualValues(t, 100, pkt.PayloadType)
	assert.EqualValues(t, 1920, pkt.Timestamp)
	assert.Equal(t, []byte{9, 9}, pkt.Payload)
}
