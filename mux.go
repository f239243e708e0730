package callmedia

import (
	"encoding/binary"
	"fmt"
)

// RecordType tags a multiplexed record.
type RecordType uint8

const (
	RecordVideo RecordType = 0
	RecordAudio RecordType = 1
)

func (t RecordType) String() string {
	switch t {
	case RecordVideo:
		return "VIDEO"
	case RecordAudio:
		return "AUDIO"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

const (
	recordTagSize   = 1
	payloadLenSize  = 4
	audioHeaderSize = 4             // timestamp
	videoHeaderSize = 4 + 1 + 1 + 4 // timestamp, keyframe, codec index, height, width
)

// VideoHeader is the fixed binary header of a video record.
type VideoHeader struct {
	Timestamp   uint32 // milliseconds
	Keyframe    bool
	Codec       VideoCodec
	CodedHeight uint16
	CodedWidth  uint16
}

// AudioRecord is a demultiplexed audio record. Payload aliases the input.
type AudioRecord struct {
	Timestamp uint32 // milliseconds
	Payload   []byte
}

// VideoRecord is a demultiplexed video record. Payload aliases the input.
type VideoRecord struct {
	Header  VideoHeader
	Payload []byte
}

// Record is the result of Demux: exactly one of Audio or Video is set.
type Record struct {
	Type  RecordType
	Audio *AudioRecord
	Video *VideoRecord
}

// MuxAudio encodes an audio record:
//
//	0x01 | uint32 timestamp | uint32 payloadLen | payload
func MuxAudio(timestamp uint32, chunk []byte) []byte {
	buf := make([]byte, recordTagSize+audioHeaderSize+payloadLenSize+len(chunk))
	buf[0] = byte(RecordAudio)
	binary.BigEndian.PutUint32(buf[1:], timestamp)
	binary.BigEndian.PutUint32(buf[5:], uint32(len(chunk)))
	copy(buf[9:], chunk)
	return buf
}

// MuxVideo encodes a video record:
//
//	0x00 | uint32 timestamp | uint8 keyframe | uint8 codecIndex |
//	uint16 codedHeight | uint16 codedWidth | uint32 payloadLen | payload
func MuxVideo(h VideoHeader, chunk []byte) ([]byte, error) {
	idx, err := CodecIndex(h.Codec)
	if err != nil {
		return nil, &FramingError{Op: "mux video", Err: err}
	}

	buf := make([]byte, recordTagSize+videoHeaderSize+payloadLenSize+len(chunk))
	buf[0] = byte(RecordVideo)
	binary.BigEndian.PutUint32(buf[1:], h.Timestamp)
	if h.Keyframe {
		buf[5] = 1
	}
	buf[6] = idx
	binary.BigEndian.PutUint16(buf[7:], h.CodedHeight)
	binary.BigEndian.PutUint16(buf[9:], h.CodedWidth)
	binary.BigEndian.PutUint32(buf[11:], uint32(len(chunk)))
	copy(buf[15:], chunk)
	return buf, nil
}

// Demux decodes one multiplexed record. The declared payload length must
// account for exactly the remaining bytes.
func Demux(data []byte) (Record, error) {
	if len(data) < recordTagSize {
		return Record{}, framingErrorf("demux", "empty record")
	}

	switch t := RecordType(data[0]); t {
	case RecordAudio:
		body := data[recordTagSize:]
		if len(body) < audioHeaderSize {
			return Record{}, framingErrorf("demux audio", "truncated header: %d bytes", len(body))
		}
		payload, err := readPayload(body[audioHeaderSize:])
		if err != nil {
			return Record{}, &FramingError{Op: "demux audio", Err: err}
		}
		return Record{Type: t, Audio: &AudioRecord{
			Timestamp: binary.BigEndian.Uint32(body),
			Payload:   payload,
		}}, nil

	case RecordVideo:
		body := data[recordTagSize:]
		if len(body) < videoHeaderSize {
			return Record{}, framingErrorf("demux video", "truncated header: %d bytes", len(body))
		}
		codec, err := CodecFromIndex(body[5])
		if err != nil {
			return Record{}, &FramingError{Op: "demux video", Err: err}
		}
		payload, err := readPayload(body[videoHeaderSize:])
		if err != nil {
			return Record{}, &FramingError{Op: "demux video", Err: err}
		}
		return Record{Type: t, Video: &VideoRecord{
			Header: VideoHeader{
				Timestamp:   binary.BigEndian.Uint32(body),
				Keyframe:    body[4] != 0,
				Codec:       codec,
				CodedHeight: binary.BigEndian.Uint16(body[6:]),
				CodedWidth:  binary.BigEndian.Uint16(body[8:]),
			},
			Payload: payload,
		}}, nil

	default:
		return Record{}, framingErrorf("demux", "unknown record type %d", uint8(t))
	}
}

func readPayload(b []byte) ([]byte, error) {
	if len(b) < payloadLenSize {
		return nil, fmt.Errorf("truncated payload length: %d bytes", len(b))
	}
	n := binary.BigEndian.Uint32(b)
	rest := b[payloadLenSize:]
	switch {
	case uint64(n) > uint64(len(rest)):
		return nil, fmt.Errorf("payload length %d exceeds remaining %d bytes", n, len(rest))
	case uint64(n) < uint64(len(rest)):
		return nil, fmt.Errorf("%d trailing bytes after payload", len(rest)-int(n))
	}
	return rest, nil
}

// Demuxer routes demultiplexed records to per-type handlers.
type Demuxer struct {
	OnAudio func(AudioRecord)
	OnVideo func(VideoRecord)
}

// Process demultiplexes data and calls the matching handler. Records with no
// handler are dropped silently.
func (d *Demuxer) Process(data []byte) error {
	rec, err := Demux(data)
	if err != nil {
		return err
	}
	switch rec.Type {
	case RecordAudio:
		if d.OnAudio != nil {
			d.OnAudio(*rec.Audio)
		}
	case RecordVideo:
		if d.OnVideo != nil {
			d.OnVideo(*rec.Video)
		}
	}
	return nil
}
