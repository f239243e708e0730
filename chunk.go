package callmedia

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// chunkHeaderSize is messageID(4) + index(2) + count(2).
const chunkHeaderSize = 8

// DefaultMaxMessageBytes bounds a reassembled message.
const DefaultMaxMessageBytes = 16 << 20

// Chunker splits messages larger than a transport's single-message limit.
// Every message, split or not, is carried as one or more chunks:
//
//	uint32 messageID | uint16 index | uint16 count | bytes
type Chunker struct {
	maxSize int
	nextID  atomic.Uint32
}

// NewChunker returns a Chunker producing chunks of at most maxSize bytes
// including the chunk header.
func NewChunker(maxSize int) *Chunker {
	if maxSize <= chunkHeaderSize {
		maxSize = chunkHeaderSize + 1
	}
	return &Chunker{maxSize: maxSize}
}

// MaxSize returns the chunk size limit.
func (c *Chunker) MaxSize() int { return c.maxSize }

// Split returns the chunks for msg. Chunks are freshly allocated.
func (c *Chunker) Split(msg []byte) ([][]byte, error) {
	body := c.maxSize - chunkHeaderSize
	count := (len(msg) + body - 1) / body
	if count == 0 {
		count = 1
	}
	if count > math.MaxUint16 {
		return nil, framingErrorf("split", "message of %d bytes needs %d chunks", len(msg), count)
	}

	id := c.nextID.Add(1)
	chunks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * body
		end := min(start+body, len(msg))
		chunk := make([]byte, chunkHeaderSize+end-start)
		binary.BigEndian.PutUint32(chunk, id)
		binary.BigEndian.PutUint16(chunk[4:], uint16(i))
		binary.BigEndian.PutUint16(chunk[6:], uint16(count))
		copy(chunk[chunkHeaderSize:], msg[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// Reassembler rebuilds chunked messages. It relies on the transport
// delivering chunks in order and is not safe for concurrent use.
type Reassembler struct {
	// MaxMessageBytes bounds a reassembled message. Zero means
	// DefaultMaxMessageBytes.
	MaxMessageBytes int

	id    uint32
	next  uint16
	count uint16
	buf   []byte
	open  bool
}

// Push adds a chunk. It returns the complete message once the last chunk of
// a message arrives, or nil while the message is still incomplete.
func (r *Reassembler) Push(chunk []byte) ([]byte, error) {
	if len(chunk) < chunkHeaderSize {
		return nil, framingErrorf("reassemble", "chunk of %d bytes is shorter than header", len(chunk))
	}
	id := binary.BigEndian.Uint32(chunk)
	idx := binary.BigEndian.Uint16(chunk[4:])
	count := binary.BigEndian.Uint16(chunk[6:])
	body := chunk[chunkHeaderSize:]

	if count == 0 || idx >= count {
		r.reset()
		return nil, framingErrorf("reassemble", "chunk index %d of %d", idx, count)
	}

	if r.open && (id != r.id || idx != r.next || count != r.count) {
		dropped := r.id
		r.reset()
		if idx != 0 {
			return nil, framingErrorf("reassemble", "message %d incomplete, got chunk %d/%d of message %d", dropped, idx, count, id)
		}
		// A new message starts here; keep it and report the dropped one.
		msg, _ := r.Push(chunk)
		return msg, framingErrorf("reassemble", "message %d incomplete, superseded by %d", dropped, id)
	}

	if !r.open {
		if idx != 0 {
			return nil, framingErrorf("reassemble", "message %d starts at chunk %d", id, idx)
		}
		// Every chunk but the last is full, so the message is at least this long.
		if least := (int(count)-1)*len(body) + 1; count > 1 && least > r.limit() {
			return nil, framingErrorf("reassemble", "message %d declares %d chunks of %d bytes, limit %d", id, count, len(body), r.limit())
		}
		if count == 1 {
			return body, nil
		}
		r.open = true
		r.id = id
		r.count = count
	}

	if len(r.buf)+len(body) > r.limit() {
		dropped := r.id
		r.reset()
		return nil, framingErrorf("reassemble", "message %d exceeds %d bytes", dropped, r.limit())
	}
	r.buf = append(r.buf, body...)
	r.next = idx + 1
	if r.next < r.count {
		return nil, nil
	}
	msg := r.buf
	r.reset()
	return msg, nil
}

func (r *Reassembler) limit() int {
	if r.MaxMessageBytes > 0 {
		return r.MaxMessageBytes
	}
	return DefaultMaxMessageBytes
}

func (r *Reassembler) reset() {
	r.open = false
	r.id = 0
	r.next = 0
	r.count = 0
	r.buf = nil
}
