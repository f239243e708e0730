package callmedia

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// ParsePatternType maps a pattern name to its type, defaulting to color bars.
func ParsePatternType(s string) PatternType {
	for p := PatternColorBars; p <= PatternMovingBox; p++ {
		if p.String() == s {
			return p
		}
	}
	return PatternColorBars
}

// TestPatternConfig configures a test pattern source.
type TestPatternConfig struct {
	Width       int         // Frame width (default: 1280)
	Height      int         // Frame height (default: 720)
	FPS         int         // Frames per second, used for timestamps (default: 30)
	Pattern     PatternType // Pattern type (default: ColorBars)
	CheckerSize int         // Size of each checker square (default: 32)
}

// TestPatternSource generates synthetic I420 frames on demand. Resize
// changes the output dimensions the way a resized captured window would.
type TestPatternSource struct {
	config TestPatternConfig

	frame      *VideoFrame
	frameCount uint64
	dirty      bool
	closed     bool

	mu sync.Mutex
}

// NewTestPatternSource creates a new test pattern video source.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}

	s := &TestPatternSource{config: config}
	s.allocate()
	return s
}

func (s *TestPatternSource) allocate() {
	s.frame = NewI420Frame(s.config.Width, s.config.Height)
	s.dirty = true
}

// Resize changes the dimensions of subsequent frames.
func (s *TestPatternSource) Resize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if width == s.config.Width && height == s.config.Height {
		return
	}
	s.config.Width, s.config.Height = width, height
	s.allocate()
}

// ReadFrame returns the next frame. The frame is reused by the next call.
func (s *TestPatternSource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("test pattern: %w", ErrSessionClosed)
	}

	if s.dirty || s.config.Pattern == PatternMovingBox {
		s.generatePattern(s.frameCount)
		s.dirty = false
	}
	frameDuration := time.Second / time.Duration(s.config.FPS)
	s.frame.Timestamp = int64(s.frameCount) * frameDuration.Microseconds()
	s.frameCount++
	return s.frame, nil
}

// Close closes the source.
func (s *TestPatternSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *TestPatternSource) generatePattern(frameNum uint64) {
	switch s.config.Pattern {
	case PatternGradient:
		s.generateGradient()
	case PatternCheckerboard:
		s.generateCheckerboard()
	case PatternMovingBox:
		s.generateMovingBox(frameNum)
	default:
		s.generateColorBars()
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

// setPixel writes luma and, on even coordinates, the subsampled chroma.
func (s *TestPatternSource) setPixel(x, y int, yVal, u, v uint8) {
	f := s.frame
	f.Data[0][y*f.Stride[0]+x] = yVal
	if x%2 == 0 && y%2 == 0 {
		idx := (y/2)*f.Stride[1] + x/2
		f.Data[1][idx] = u
		f.Data[2][idx] = v
	}
}

func (s *TestPatternSource) generateColorBars() {
	w, h := s.config.Width, s.config.Height
	barWidth := max(w/8, 1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := min(x/barWidth, 7)
			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])
			s.setPixel(x, y, yVal, u, v)
		}
	}
}

func (s *TestPatternSource) generateGradient() {
	w, h := s.config.Width, s.config.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s.setPixel(x, y, uint8((x*255)/w), 128, 128)
		}
	}
}

func (s *TestPatternSource) generateCheckerboard() {
	w, h := s.config.Width, s.config.Height
	size := s.config.CheckerSize
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yVal := uint8(16)
			if ((x/size)+(y/size))%2 == 0 {
				yVal = 235
			}
			s.setPixel(x, y, yVal, 128, 128)
		}
	}
}

func (s *TestPatternSource) generateMovingBox(frameNum uint64) {
	w, h := s.config.Width, s.config.Height
	f := s.frame

	for i := range f.Data[0] {
		f.Data[0][i] = 16
	}
	for i := range f.Data[1] {
		f.Data[1][i] = 128
		f.Data[2][i] = 128
	}

	// Box moves in a circle around the center.
	boxSize := max(min(w, h)/8, 2)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			s.setPixel(x, y, 235, 128, 128)
		}
	}
}

// rgbToYUV converts RGB to YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clamp(yf, 16, 235))
	u = uint8(clamp(uf, 16, 240))
	v = uint8(clamp(vf, 16, 240))
	return
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
