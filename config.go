package callmedia

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the file/env configuration of a client program.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Video     VideoConfig     `mapstructure:"video"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Token         string `mapstructure:"token"`
	ParticipantID string `mapstructure:"participant_id"`
}

type VideoConfig struct {
	Codec            string `mapstructure:"codec"`
	Provider         string `mapstructure:"provider"`
	MaxWidth         int    `mapstructure:"max_width"`
	MaxHeight        int    `mapstructure:"max_height"`
	FPS              int    `mapstructure:"fps"`
	Bitrate          int    `mapstructure:"bitrate"`
	KeyframeInterval int    `mapstructure:"keyframe_interval"`
}

type AudioConfig struct {
	Provider      string           `mapstructure:"provider"`
	SampleRate    int              `mapstructure:"sample_rate"`
	Channels      int              `mapstructure:"channels"`
	Bitrate       int              `mapstructure:"bitrate"`
	FrameDuration time.Duration    `mapstructure:"frame_duration"`
	InputGain     float64          `mapstructure:"input_gain"`
	Gate          GateConfig       `mapstructure:"gate"`
	Compressor    CompressorConfig `mapstructure:"compressor"`
}

type GateConfig struct {
	ThresholdDB float64       `mapstructure:"threshold_db"`
	Hold        time.Duration `mapstructure:"hold"`
}

type CompressorConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ThresholdDB float64       `mapstructure:"threshold_db"`
	Ratio       float64       `mapstructure:"ratio"`
	Attack      time.Duration `mapstructure:"attack"`
	Release     time.Duration `mapstructure:"release"`
}

type VoiceConfig struct {
	SendStream    string `mapstructure:"send_stream"`
	ReceiveStream string `mapstructure:"receive_stream"`
	SendSilence   bool   `mapstructure:"send_silence"`
}

type TransportConfig struct {
	MaxMessageSize  int `mapstructure:"max_message_size"`
	MaxMessageBytes int `mapstructure:"max_message_bytes"`
	QueueSize       int `mapstructure:"queue_size"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func setConfigDefaults(v *viper.Viper) {
	audio := DefaultAudioEncoderConfig()
	graph := DefaultAudioGraphConfig()

	v.SetDefault("server.base_url", "ws://localhost:8080/media")
	v.SetDefault("server.token", "")
	v.SetDefault("server.participant_id", "")

	v.SetDefault("video.codec", "VP8")
	v.SetDefault("video.provider", "auto")
	v.SetDefault("video.max_width", 1280)
	v.SetDefault("video.max_height", 720)
	v.SetDefault("video.fps", 30)
	v.SetDefault("video.bitrate", 1_500_000)
	v.SetDefault("video.keyframe_interval", 0)

	v.SetDefault("audio.provider", "auto")
	v.SetDefault("audio.sample_rate", audio.SampleRate)
	v.SetDefault("audio.channels", audio.Channels)
	v.SetDefault("audio.bitrate", audio.BitrateBps)
	v.SetDefault("audio.frame_duration", audio.FrameDuration)
	v.SetDefault("audio.input_gain", graph.InputGain)
	v.SetDefault("audio.gate.threshold_db", graph.GateThresholdDB)
	v.SetDefault("audio.gate.hold", graph.GateHold)
	v.SetDefault("audio.compressor.enabled", false)
	v.SetDefault("audio.compressor.threshold_db", graph.CompressorThresholdDB)
	v.SetDefault("audio.compressor.ratio", graph.CompressorRatio)
	v.SetDefault("audio.compressor.attack", graph.CompressorAttack)
	v.SetDefault("audio.compressor.release", graph.CompressorRelease)

	v.SetDefault("voice.send_stream", DefaultVoiceSendStream)
	v.SetDefault("voice.receive_stream", DefaultVoiceReceiveStream)
	v.SetDefault("voice.send_silence", false)

	v.SetDefault("transport.max_message_size", DefaultMaxMessageSize)
	v.SetDefault("transport.max_message_bytes", DefaultMaxMessageBytes)
	v.SetDefault("transport.queue_size", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 50)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 7)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
}

// LoadConfig reads path (YAML, JSON or TOML by extension) over the defaults.
// Environment variables prefixed CALLMEDIA_ override both, e.g.
// CALLMEDIA_SERVER_TOKEN. An empty path uses defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setConfigDefaults(v)

	v.SetEnvPrefix("CALLMEDIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		ext := filepath.Ext(path)
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and names.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	}
	if codec, err := ParseVideoCodec(c.Video.Codec); err != nil {
		errs = append(errs, fmt.Errorf("video.codec: %w", err))
	} else if codec == VideoCodecUnknown {
		errs = append(errs, errors.New("video.codec is required"))
	}
	if c.Video.MaxWidth <= 0 || c.Video.MaxWidth > 65535 || c.Video.MaxHeight <= 0 || c.Video.MaxHeight > 65535 {
		errs = append(errs, fmt.Errorf("video max size %dx%d out of range", c.Video.MaxWidth, c.Video.MaxHeight))
	}
	if c.Video.FPS <= 0 || c.Video.FPS > 120 {
		errs = append(errs, fmt.Errorf("video.fps %d out of range", c.Video.FPS))
	}
	if c.Video.KeyframeInterval < 0 {
		errs = append(errs, fmt.Errorf("video.keyframe_interval %d is negative", c.Video.KeyframeInterval))
	}
	if err := checkOpusFormat(AudioCodecOpus, c.Audio.SampleRate, c.Audio.Channels); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if err := checkOpusFrameDuration(c.Audio.FrameDuration); err != nil {
		errs = append(errs, fmt.Errorf("audio.frame_duration: %w", err))
	}
	if c.Audio.InputGain < 0 {
		errs = append(errs, fmt.Errorf("audio.input_gain %g is negative", c.Audio.InputGain))
	}
	if c.Audio.Compressor.Enabled && c.Audio.Compressor.Ratio < 1 {
		errs = append(errs, fmt.Errorf("audio.compressor.ratio %g below 1", c.Audio.Compressor.Ratio))
	}
	if c.Voice.SendStream == "" || c.Voice.ReceiveStream == "" {
		errs = append(errs, errors.New("voice stream names are required"))
	}
	if c.Transport.MaxMessageSize <= chunkHeaderSize {
		errs = append(errs, fmt.Errorf("transport.max_message_size %d too small", c.Transport.MaxMessageSize))
	}
	if c.Transport.MaxMessageBytes < c.Transport.MaxMessageSize {
		errs = append(errs, fmt.Errorf("transport.max_message_bytes %d below max_message_size", c.Transport.MaxMessageBytes))
	}
	return errors.Join(errs...)
}

// Endpoint returns the endpoint of one of this participant's streams.
func (c *Config) Endpoint(stream string) Endpoint {
	return Endpoint{
		BaseURL:       c.Server.BaseURL,
		ParticipantID: c.Server.ParticipantID,
		StreamName:    stream,
		Token:         c.Server.Token,
	}
}

// AudioEncoder returns the encoder configuration.
func (c *Config) AudioEncoder() AudioEncoderConfig {
	return AudioEncoderConfig{
		Codec:         AudioCodecOpus,
		Provider:      ParseProvider(c.Audio.Provider),
		SampleRate:    c.Audio.SampleRate,
		Channels:      c.Audio.Channels,
		BitrateBps:    c.Audio.Bitrate,
		FrameDuration: c.Audio.FrameDuration,
	}
}

// AudioDecoder returns the matching decoder configuration.
func (c *Config) AudioDecoder() AudioDecoderConfig {
	return AudioDecoderConfig{
		Codec:      AudioCodecOpus,
		Provider:   ParseProvider(c.Audio.Provider),
		SampleRate: c.Audio.SampleRate,
		Channels:   c.Audio.Channels,
	}
}

// AudioGraph returns the processing graph configuration.
func (c *Config) AudioGraph() AudioGraphConfig {
	return AudioGraphConfig{
		InputGain:             float32(c.Audio.InputGain),
		GateThresholdDB:       c.Audio.Gate.ThresholdDB,
		GateHold:              c.Audio.Gate.Hold,
		Compressor:            c.Audio.Compressor.Enabled,
		CompressorThresholdDB: c.Audio.Compressor.ThresholdDB,
		CompressorRatio:       c.Audio.Compressor.Ratio,
		CompressorAttack:      c.Audio.Compressor.Attack,
		CompressorRelease:     c.Audio.Compressor.Release,
	}
}

// CallConfig returns a voice call configuration.
func (c *Config) CallConfig() CallConfig {
	cfg := DefaultCallConfig(c.Server.BaseURL, c.Server.ParticipantID, c.Server.Token)
	cfg.Send.StreamName = c.Voice.SendStream
	cfg.Receive.StreamName = c.Voice.ReceiveStream
	cfg.Encoder = c.AudioEncoder()
	cfg.Decoder = c.AudioDecoder()
	cfg.Graph = c.AudioGraph()
	cfg.SendSilence = c.Voice.SendSilence
	return cfg
}

// StreamerConfig returns a stream configuration for the named stream.
func (c *Config) StreamerConfig(stream string, source StreamSource) (StreamerConfig, error) {
	codec, err := ParseVideoCodec(c.Video.Codec)
	if err != nil {
		return StreamerConfig{}, err
	}
	cfg := DefaultStreamerConfig(c.Endpoint(stream))
	cfg.Source = source
	cfg.Codec = codec
	cfg.Provider = ParseProvider(c.Video.Provider)
	cfg.MaxWidth, cfg.MaxHeight = c.Video.MaxWidth, c.Video.MaxHeight
	cfg.FPS = c.Video.FPS
	cfg.BitrateBps = c.Video.Bitrate
	cfg.KeyframeInterval = c.Video.KeyframeInterval
	cfg.AudioEncoder = c.AudioEncoder()
	cfg.AudioGraph = c.AudioGraph()
	return cfg, nil
}

// WebSocketDialer returns a dialer using the transport settings.
func (c *Config) WebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		MaxMessageSize:  c.Transport.MaxMessageSize,
		MaxMessageBytes: c.Transport.MaxMessageBytes,
		QueueSize:       c.Transport.QueueSize,
	}
}
