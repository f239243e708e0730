package callmedia

import (
	"math"
	"sync/atomic"
	"time"
)

// AudioNode processes interleaved samples in place.
type AudioNode interface {
	Process(buf []float32, channels int)
}

// GainNode scales samples by an adjustable linear gain.
type GainNode struct {
	bits atomic.Uint32
}

// NewGainNode returns a gain node at the given linear gain.
func NewGainNode(gain float32) *GainNode {
	g := &GainNode{}
	g.SetGain(gain)
	return g
}

// SetGain sets the linear gain. Negative values clamp to zero.
func (g *GainNode) SetGain(gain float32) {
	g.bits.Store(math.Float32bits(max(gain, 0)))
}

// Gain returns the linear gain.
func (g *GainNode) Gain() float32 { return math.Float32frombits(g.bits.Load()) }

func (g *GainNode) Process(buf []float32, _ int) {
	gain := g.Gain()
	if gain == 1 {
		return
	}
	for i := range buf {
		buf[i] *= gain
	}
}

// NoiseGate silences input whose peak stays under Threshold. The gate opens
// on the first sample frame over the threshold and closes after Hold of
// continuous quiet.
type NoiseGate struct {
	threshold float32
	hold      int // sample frames
	remaining int
	open      atomic.Bool
}

// NewNoiseGate creates a gate. thresholdDB is in dBFS.
func NewNoiseGate(thresholdDB float64, hold time.Duration, sampleRate int) *NoiseGate {
	return &NoiseGate{
		threshold: dbToLinear(thresholdDB),
		hold:      int(math.Round(hold.Seconds() * float64(sampleRate))),
	}
}

// Open reports whether the gate passed the most recent sample frame.
func (n *NoiseGate) Open() bool { return n.open.Load() }

func (n *NoiseGate) Process(buf []float32, channels int) {
	open := n.open.Load()
	for i := 0; i+channels <= len(buf); i += channels {
		var peak float32
		for _, s := range buf[i : i+channels] {
			peak = max(peak, abs32(s))
		}
		switch {
		case peak >= n.threshold:
			open = true
			n.remaining = n.hold
		case n.remaining > 0:
			n.remaining--
		default:
			open = false
		}
		if !open {
			clear(buf[i : i+channels])
		}
	}
	n.open.Store(open)
}

// Compressor is a feed-forward peak compressor with attack/release
// smoothing.
type Compressor struct {
	threshold float32
	ratio     float32
	attack    float32 // envelope coefficients per sample frame
	release   float32
	env       float32
}

// NewCompressor creates a compressor. thresholdDB is in dBFS; ratio ≥ 1.
func NewCompressor(thresholdDB, ratio float64, attack, release time.Duration, sampleRate int) *Compressor {
	return &Compressor{
		threshold: dbToLinear(thresholdDB),
		ratio:     float32(max(ratio, 1)),
		attack:    smoothingCoeff(attack, sampleRate),
		release:   smoothingCoeff(release, sampleRate),
	}
}

func smoothingCoeff(d time.Duration, sampleRate int) float32 {
	n := d.Seconds() * float64(sampleRate)
	if n <= 0 {
		return 0
	}
	return float32(math.Exp(-1 / n))
}

func (c *Compressor) Process(buf []float32, channels int) {
	for i := 0; i+channels <= len(buf); i += channels {
		var peak float32
		for _, s := range buf[i : i+channels] {
			peak = max(peak, abs32(s))
		}
		coeff := c.release
		if peak > c.env {
			coeff = c.attack
		}
		c.env = coeff*c.env + (1-coeff)*peak

		if c.env <= c.threshold {
			continue
		}
		// Output level above threshold is reduced by the ratio in the log domain.
		over := float64(c.env / c.threshold)
		target := float64(c.threshold) * math.Pow(over, 1/float64(c.ratio))
		gain := float32(target / float64(c.env))
		for j := i; j < i+channels; j++ {
			buf[j] *= gain
		}
	}
}

// AudioGraphConfig configures the encode-side processing graph.
type AudioGraphConfig struct {
	InputGain       float32
	GateThresholdDB float64
	GateHold        time.Duration

	Compressor            bool
	CompressorThresholdDB float64
	CompressorRatio       float64
	CompressorAttack      time.Duration
	CompressorRelease     time.Duration
}

// DefaultAudioGraphConfig returns the voice defaults: unity gain, a -50 dBFS
// gate with 200ms hold and no compressor.
func DefaultAudioGraphConfig() AudioGraphConfig {
	return AudioGraphConfig{
		InputGain:             1,
		GateThresholdDB:       -50,
		GateHold:              200 * time.Millisecond,
		CompressorThresholdDB: -24,
		CompressorRatio:       4,
		CompressorAttack:      3 * time.Millisecond,
		CompressorRelease:     250 * time.Millisecond,
	}
}

// AudioGraph is the fixed gain → gate → optional compressor chain that
// captured samples pass through before the frame collector.
type AudioGraph struct {
	Gain *GainNode
	Gate *NoiseGate
	// Compressor is nil when disabled.
	Compressor *Compressor

	nodes []AudioNode
}

// NewAudioGraph builds the graph for a capture format.
func NewAudioGraph(cfg AudioGraphConfig, sampleRate int) *AudioGraph {
	g := &AudioGraph{
		Gain: NewGainNode(cfg.InputGain),
		Gate: NewNoiseGate(cfg.GateThresholdDB, cfg.GateHold, sampleRate),
	}
	g.nodes = []AudioNode{g.Gain, g.Gate}
	if cfg.Compressor {
		g.Compressor = NewCompressor(cfg.CompressorThresholdDB, cfg.CompressorRatio,
			cfg.CompressorAttack, cfg.CompressorRelease, sampleRate)
		g.nodes = append(g.nodes, g.Compressor)
	}
	return g
}

// Process runs samples through every node in place.
func (g *AudioGraph) Process(s *AudioSamples) {
	for _, n := range g.nodes {
		n.Process(s.Data, s.Channels)
	}
}

// Release disconnects the nodes. The graph must not be used afterwards.
func (g *AudioGraph) Release() {
	g.nodes = nil
}

// FrameCollector buffers processed samples into fixed encoder frames of
// sampleRate × channels × frameDuration interleaved samples, remixing the
// capture channel layout to the encoder's. Frame timestamps start at zero and
// advance by exactly one frame duration per frame.
type FrameCollector struct {
	sampleRate int
	channels   int
	frameSize  int // interleaved samples per frame
	buf        []float32
	frames     int64
}

// NewFrameCollector creates a collector producing frames for cfg.
func NewFrameCollector(cfg AudioEncoderConfig) *FrameCollector {
	size := cfg.FrameSamples()
	return &FrameCollector{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		frameSize:  size,
		buf:        make([]float32, 0, 2*size),
	}
}

// FrameSize returns the interleaved sample count per frame.
func (c *FrameCollector) FrameSize() int { return c.frameSize }

// Push appends a block and calls emit for every completed frame. Emitted
// frames own their data.
func (c *FrameCollector) Push(s *AudioSamples, emit func(*AudioSamples) error) error {
	c.buf = remix(c.buf, s.Data, s.Channels, c.channels)
	for len(c.buf) >= c.frameSize {
		frame := &AudioSamples{
			Data:       make([]float32, c.frameSize),
			SampleRate: c.sampleRate,
			Channels:   c.channels,
			Timestamp:  c.frameTimestamp(c.frames),
		}
		copy(frame.Data, c.buf)
		c.buf = append(c.buf[:0], c.buf[c.frameSize:]...)
		c.frames++
		if err := emit(frame); err != nil {
			return err
		}
	}
	return nil
}

// Reset discards buffered samples without resetting the timestamp counter.
func (c *FrameCollector) Reset() { c.buf = c.buf[:0] }

func (c *FrameCollector) frameTimestamp(n int64) int64 {
	perChannel := int64(c.frameSize / c.channels)
	return n * perChannel * 1_000_000 / int64(c.sampleRate)
}

// remix appends src (inCh channels) to dst as outCh channels. Downmix
// averages, upmix duplicates the first channel.
func remix(dst, src []float32, inCh, outCh int) []float32 {
	if inCh == outCh || inCh <= 0 {
		return append(dst, src...)
	}
	for i := 0; i+inCh <= len(src); i += inCh {
		frame := src[i : i+inCh]
		if outCh < inCh {
			var sum float32
			for _, v := range frame {
				sum += v
			}
			avg := sum / float32(inCh)
			for k := 0; k < outCh; k++ {
				dst = append(dst, avg)
			}
			continue
		}
		dst = append(dst, frame...)
		for k := 0; k < outCh-inCh; k++ {
			dst = append(dst, frame[0])
		}
	}
	return dst
}

// isSilent reports whether every sample is exactly zero, as a closed gate
// leaves them.
func isSilent(buf []float32) bool {
	for _, s := range buf {
		if s != 0 {
			return false
		}
	}
	return true
}

func dbToLinear(db float64) float32 {
	return float32(math.Pow(10, db/20))
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
