package callmedia

import (
	"encoding/binary"
	"encoding/json"
	"math"
)

// packetLenSize is the width of the header length prefix.
const packetLenSize = 2

// FrameHeader is the logical header of a simple packet.
type FrameHeader struct {
	Timestamp   int64      `json:"timestamp"`
	Keyframe    bool       `json:"keyframe,omitempty"`
	Codec       VideoCodec `json:"codec,omitempty"`
	CodedHeight uint16     `json:"codedHeight,omitempty"`
	CodedWidth  uint16     `json:"codedWidth,omitempty"`
	// Sender is stamped by the server when it fans a packet out to listeners.
	Sender string `json:"sender,omitempty"`
}

// EncodePacket frames header and payload as
//
//	uint16 headerLen (big-endian) | header JSON | payload
//
// Headers longer than 65535 bytes cannot be framed.
func EncodePacket(header any, payload []byte) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, &FramingError{Op: "encode packet", Err: err}
	}
	if len(hdr) > math.MaxUint16 {
		return nil, framingErrorf("encode packet", "header length %d exceeds %d", len(hdr), math.MaxUint16)
	}

	buf := make([]byte, packetLenSize+len(hdr)+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(hdr)))
	copy(buf[packetLenSize:], hdr)
	copy(buf[packetLenSize+len(hdr):], payload)
	return buf, nil
}

// DecodePacket parses a simple packet into header and returns the payload.
// The returned payload aliases data.
func DecodePacket(data []byte, header any) ([]byte, error) {
	if len(data) < packetLenSize {
		return nil, framingErrorf("decode packet", "need %d bytes for header length, have %d", packetLenSize, len(data))
	}
	n := int(binary.BigEndian.Uint16(data))
	end := packetLenSize + n
	if end > len(data) {
		return nil, framingErrorf("decode packet", "header length %d exceeds remaining %d bytes", n, len(data)-packetLenSize)
	}
	if err := json.Unmarshal(data[packetLenSize:end], header); err != nil {
		return nil, &FramingError{Op: "decode packet header", Err: err}
	}
	return data[end:], nil
}
