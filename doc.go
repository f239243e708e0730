// Package callmedia is the media core of a real-time voice/video chat client:
// wire framing, audio/video multiplexing, capture-driven encode pipelines and
// decode pipelines that schedule playback without a jitter buffer.
//
// # Architecture
//
//	Encode (stream): VideoCapture -> resolution policy -> VideoEncoder -> MuxVideo -> Transport
//	Encode (voice):  AudioCapture -> AudioGraph -> AudioEncoder -> EncodePacket -> Transport
//	Decode (stream): Transport -> Demuxer -> keyframe gate -> VideoDecoder -> Surface
//	Decode (voice):  Transport -> DecodePacket -> per-user session -> AudioDecoder -> Playhead -> Mixer
//
// Every stage owns an inbound channel and a single consumer goroutine. Sessions
// are built from an explicit Dependencies value (transport, capture and codec
// factories, logger, metrics) rather than from package globals.
//
// # Wire Format
//
// Simple packet (voice):
//
//	uint16 headerLen | JSON header | payload
//
// Multiplexed record (streams), big-endian:
//
//	uint8 type (0=VIDEO, 1=AUDIO) | header | uint32 payloadLen | payload
//	AUDIO header: uint32 timestamp (ms)
//	VIDEO header: uint32 timestamp (ms) | uint8 keyframe | uint8 codecIndex | uint16 codedHeight | uint16 codedWidth
//
// Codec index table: 0=VP8, 1=VP9 profile 0, 2=AV1 main profile.
//
// # Native Libraries
//
// RegisterNativeCodecs loads the media SDK shims through purego (CGO_ENABLED=0):
// libmedia_vpx for VP8/VP9, libmedia_av1 for AV1 and libstream_opus for Opus.
// Set MEDIA_SDK_LIB_PATH and STREAM_SDK_LIB_PATH to the directories holding
// them, or MEDIA_VPX_LIB_PATH, MEDIA_AV1_LIB_PATH and STREAM_OPUS_LIB_PATH to
// each full path. Build with the nonative tag to leave them out entirely.
//
// # Lifecycle
//
// Streamer, VoiceEncoder, Viewer, Listener and Call all follow
// CLOSED -> CONNECTING -> OPEN -> CLOSED. A closed instance cannot be
// restarted; create a new one to reconnect.
//
// A Client ties them together: it applies msgpack control-plane events
// (VOICE_JOINING, VOICE_LEAVING, STREAM_START, STREAM_STOP) by joining the
// call and opening or closing viewers. An RTPForwarder attached as a
// viewer's Tap re-packetizes received records as RTP over UDP.
package callmedia
