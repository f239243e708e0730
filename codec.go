package callmedia

import (
	"fmt"
	"strings"
)

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return "video/VP8"
	case VideoCodecVP9:
		return "video/VP9"
	case VideoCodecAV1:
		return "video/AV1"
	default:
		return ""
	}
}

// CodecString returns the codec parameter string for the profile carried on
// the wire: VP9 is always profile 0 and AV1 is always the main profile.
func (c VideoCodec) CodecString() string {
	switch c {
	case VideoCodecVP8:
		return "vp8"
	case VideoCodecVP9:
		return fmt.Sprintf("vp09.%02d.10.08", int(VP9Profile0))
	case VideoCodecAV1:
		return fmt.Sprintf("av01.%d.04M.08", int(AV1ProfileMain))
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	// All video codecs use 90kHz clock
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecVP8:
		return 96
	case VideoCodecVP9:
		return 98
	case VideoCodecAV1:
		return 35
	default:
		return 96
	}
}

// MarshalText encodes the codec by name for JSON headers.
func (c VideoCodec) MarshalText() ([]byte, error) {
	if c == VideoCodecUnknown {
		return []byte{}, nil
	}
	return []byte(c.String()), nil
}

// UnmarshalText accepts a codec name or its codec string.
func (c *VideoCodec) UnmarshalText(text []byte) error {
	codec, err := ParseVideoCodec(string(text))
	if err != nil {
		return err
	}
	*c = codec
	return nil
}

// ParseVideoCodec parses a codec name ("VP8", "vp9") or a codec string
// ("vp09.00.10.08", "av01.0.04M.08"). An empty string is VideoCodecUnknown.
func ParseVideoCodec(s string) (VideoCodec, error) {
	switch l := strings.ToLower(strings.TrimSpace(s)); {
	case l == "":
		return VideoCodecUnknown, nil
	case l == "vp8":
		return VideoCodecVP8, nil
	case l == "vp9" || strings.HasPrefix(l, "vp09."):
		return VideoCodecVP9, nil
	case l == "av1" || strings.HasPrefix(l, "av01."):
		return VideoCodecAV1, nil
	}
	return VideoCodecUnknown, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
}

// wireCodecs is the codec lookup table referenced by index in multiplexed
// video records. Its order is part of the wire format.
var wireCodecs = [...]VideoCodec{
	VideoCodecVP8, // vp8
	VideoCodecVP9, // vp09.00.10.08
	VideoCodecAV1, // av01.0.04M.08
}

// CodecIndex returns the wire index of a codec.
func CodecIndex(c VideoCodec) (uint8, error) {
	for i, wc := range wireCodecs {
		if wc == c {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s has no wire index", ErrUnknownCodec, c)
}

// CodecFromIndex resolves a wire index back to a codec.
func CodecFromIndex(idx uint8) (VideoCodec, error) {
	if int(idx) >= len(wireCodecs) {
		return VideoCodecUnknown, fmt.Errorf("%w: index %d", ErrUnknownCodec, idx)
	}
	return wireCodecs[idx], nil
}

// AudioCodec identifies the audio codec type.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecOpus
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecOpus:
		return "Opus"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c AudioCodec) MimeType() string {
	switch c {
	case AudioCodecOpus:
		return "audio/opus"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c AudioCodec) ClockRate() uint32 {
	return 48000
}

// DefaultPayloadType returns a typical payload type for this codec.
func (c AudioCodec) DefaultPayloadType() uint8 {
	return 111
}

// VP9Profile defines VP9 encoding profiles.
type VP9Profile int

const (
	VP9Profile0 VP9Profile = iota // 8-bit, 4:2:0
	VP9Profile1                   // 8-bit, 4:2:2 or 4:4:4
	VP9Profile2                   // 10/12-bit, 4:2:0
	VP9Profile3                   // 10/12-bit, 4:2:2 or 4:4:4
)

func (p VP9Profile) String() string {
	switch p {
	case VP9Profile0:
		return "Profile0"
	case VP9Profile1:
		return "Profile1"
	case VP9Profile2:
		return "Profile2"
	case VP9Profile3:
		return "Profile3"
	default:
		return "Unknown"
	}
}

// AV1Profile defines AV1 encoding profiles.
type AV1Profile int

const (
	AV1ProfileMain         AV1Profile = iota // 8-bit, 4:2:0
	AV1ProfileHigh                           // 8-bit, 4:2:0 or 4:4:4
	AV1ProfileProfessional                   // 10/12-bit
)

func (p AV1Profile) String() string {
	switch p {
	case AV1ProfileMain:
		return "Main"
	case AV1ProfileHigh:
		return "High"
	case AV1ProfileProfessional:
		return "Professional"
	default:
		return "Unknown"
	}
}
