package callmedia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitWithin(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		maxW, maxH   int
		wantW, wantH int
	}{
		{"fits exactly", 1280, 720, 1280, 720, 1280, 720},
		{"smaller keeps size", 641, 479, 1280, 720, 641, 479},
		{"4k into 720p", 3840, 2160, 1280, 720, 1280, 720},
		{"tall window", 1000, 2000, 1280, 720, 360, 720},
		{"wide window", 3000, 500, 1280, 720, 1280, 213},
		{"only width exceeds", 1920, 600, 1280, 720, 1280, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := FitWithin(tt.w, tt.h, tt.maxW, tt.maxH)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestFitWithin_Invariant(t *testing.T) {
	maxW, maxH := 1280, 720
	for w := 1281; w < 5000; w += 397 {
		for h := 721; h < 5000; h += 331 {
			fw, fh := FitWithin(w, h, maxW, maxH)
			require.LessOrEqual(t, fw, maxW, "%dx%d", w, h)
			require.LessOrEqual(t, fh, maxH, "%dx%d", w, h)

			// Aspect preserved within one pixel of truncation in either axis.
			src := float64(w) / float64(h)
			lo := float64(fw) / float64(fh+1)
			hi := float64(fw+1) / float64(fh)
			assert.True(t, src >= lo && src <= hi, "%dx%d -> %dx%d", w, h, fw, fh)
		}
	}
}

func TestFitRect(t *testing.T) {
	w, h := FitRect(1920, 1080, 800, 800)
	assert.Equal(t, 800, w)
	assert.Equal(t, 450, h)

	w, h = FitRect(320, 240, 1280, 720)
	assert.Equal(t, 960, w)
	assert.Equal(t, 720, h)

	w, h = FitRect(0, 240, 1280, 720)
	assert.Zero(t, w)
	assert.Zero(t, h)
}

func TestResolutionPolicy_OnlyOnChange(t *testing.T) {
	p := &ResolutionPolicy{MaxWidth: 1280, MaxHeight: 720}

	w, h, changed := p.Update(1920, 1080)
	assert.True(t, changed)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	_, _, changed = p.Update(1920, 1080)
	assert.False(t, changed)

	// Different capture size mapping to the same coded size is not a change.
	_, _, changed = p.Update(2560, 1440)
	assert.False(t, changed)

	w, h, changed = p.Update(800, 600)
	assert.True(t, changed)
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, h)

	cw, ch := p.Coded()
	assert.Equal(t, 800, cw)
	assert.Equal(t, 600, ch)
}

func createGradientFrame(w, h int) *VideoFrame {
	f := NewI420Frame(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			f.Data[0][y*w+x] = byte((x * 255) / w)
		}
	}
	for i := range f.Data[1] {
		f.Data[1][i] = 128
		f.Data[2][i] = 128
	}
	return f
}

func TestVideoScaler_NoScaling(t *testing.T) {
	frame := createGradientFrame(640, 480)
	s := NewVideoScaler(640, 480, ScaleModeFit)
	assert.Same(t, frame, s.Scale(frame))
}

func TestVideoScaler_Downscale(t *testing.T) {
	frame := createGradientFrame(1280, 720)
	frame.Timestamp = 99

	s := NewVideoScaler(640, 360, ScaleModeFit)
	out := s.Scale(frame)

	require.Equal(t, 640, out.Width)
	require.Equal(t, 360, out.Height)
	assert.Len(t, out.Data[0], 640*360)
	assert.Len(t, out.Data[1], 320*180)
	assert.Equal(t, int64(99), out.Timestamp)

	// Gradient stays monotonic left to right.
	row := out.Data[0][:640]
	for x := 1; x < len(row); x++ {
		assert.GreaterOrEqual(t, row[x], row[x-1])
	}
}

func TestVideoScaler_OddTarget(t *testing.T) {
	frame := createGradientFrame(1920, 1080)
	s := NewVideoScaler(1280, 213, ScaleModeFit)
	out := s.Scale(frame)
	assert.Len(t, out.Data[1], 640*107)
}

func TestVideoScaler_Fill(t *testing.T) {
	frame := createGradientFrame(1280, 720)
	s := NewVideoScaler(480, 480, ScaleModeFill)
	out := s.Scale(frame)
	assert.Equal(t, 480, out.Width)
	// Cropping the sides keeps the leftmost column away from pure black.
	assert.Greater(t, out.Data[0][0], byte(20))
}
