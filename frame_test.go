package callmedia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVideoFrame_Clone(t *testing.T) {
	f := NewI420Frame(4, 2)
	f.Data[0][0] = 9
	f.Timestamp = 42

	c := f.Clone()
	f.Data[0][0] = 1

	assert.Equal(t, byte(9), c.Data[0][0])
	assert.Equal(t, int64(42), c.Timestamp)
	assert.Equal(t, []int{4, 2, 2}, c.Stride)
}

func TestI420Size(t *testing.T) {
	assert.Equal(t, 640*480*3/2, I420Size(640, 480))
	// odd dimensions round chroma up
	assert.Equal(t, 3*3+2*2*2, I420Size(3, 3))
}

func TestAudioSamples_Duration(t *testing.T) {
	s := &AudioSamples{Data: make([]float32, 960*2), SampleRate: 48000, Channels: 2}
	assert.Equal(t, 960, s.Frames())
	assert.Equal(t, 20*time.Millisecond, s.Duration())

	empty := &AudioSamples{}
	assert.Zero(t, empty.Frames())
	assert.Zero(t, empty.Duration())
}

func TestEncodedFrame_Clone(t *testing.T) {
	f := &EncodedFrame{Data: []byte{1, 2}, FrameType: FrameTypeKey, Width: 2, Height: 2}
	c := f.Clone()
	f.Data[0] = 7
	assert.Equal(t, byte(1), c.Data[0])
	assert.True(t, c.IsKeyframe())
}

func TestTimestampConversion(t *testing.T) {
	assert.Equal(t, uint32(1000), usToMs(1_000_999))
	assert.Equal(t, int64(1_000_000), msToUs(1000))
}
