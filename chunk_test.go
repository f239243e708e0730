package callmedia

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunker_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		maxSize int
		size    int
		chunks  int
	}{
		{"empty", 64, 0, 1},
		{"fits", 64, 56, 1},
		{"one over", 64, 57, 2},
		{"many", 16, 100, 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunker(tt.maxSize)
			msg := bytes.Repeat([]byte{0x5a}, tt.size)
			for i := range msg {
				msg[i] = byte(i)
			}

			chunks, err := c.Split(msg)
			require.NoError(t, err)
			require.Len(t, chunks, tt.chunks)

			var r Reassembler
			var got []byte
			for i, ch := range chunks {
				assert.LessOrEqual(t, len(ch), tt.maxSize)
				out, err := r.Push(ch)
				require.NoError(t, err)
				if i < len(chunks)-1 {
					assert.Nil(t, out)
				} else {
					got = out
				}
			}
			assert.Equal(t, len(msg), len(got))
			assert.True(t, bytes.Equal(msg, got))
		})
	}
}

func TestReassembler_SupersededMessage(t *testing.T) {
	c := NewChunker(12)
	first, err := c.Split([]byte("abcdefghij"))
	require.NoError(t, err)
	second, err := c.Split([]byte("xy"))
	require.NoError(t, err)

	var r Reassembler
	out, err := r.Push(first[0])
	require.NoError(t, err)
	require.Nil(t, out)

	// The second message starts before the first completes.
	out, err = r.Push(second[0])
	assert.True(t, IsFramingError(err))
	assert.Equal(t, []byte("xy"), out)
}

func TestReassembler_Malformed(t *testing.T) {
	var r Reassembler

	_, err := r.Push([]byte{1, 2})
	assert.True(t, IsFramingError(err))

	// index >= count
	_, err = r.Push([]byte{0, 0, 0, 1, 0, 2, 0, 2})
	assert.True(t, IsFramingError(err))

	// message starting mid-way
	_, err = r.Push([]byte{0, 0, 0, 1, 0, 1, 0, 3, 'x'})
	assert.True(t, IsFramingError(err))
}

func TestReassembler_MessageLimit(t *testing.T) {
	t.Run("declared size", func(t *testing.T) {
		var r Reassembler
		chunk := make([]byte, chunkHeaderSize+64*1024)
		binary.BigEndian.PutUint32(chunk, 7)
		binary.BigEndian.PutUint16(chunk[6:], math.MaxUint16)

		out, err := r.Push(chunk)
		assert.Nil(t, out)
		assert.True(t, IsFramingError(err))
		assert.Nil(t, r.buf, "nothing reserved")
	})

	t.Run("accumulated size", func(t *testing.T) {
		r := Reassembler{MaxMessageBytes: 20}
		c := NewChunker(chunkHeaderSize + 8)
		chunks, err := c.Split(bytes.Repeat([]byte{1}, 20))
		require.NoError(t, err)
		require.Len(t, chunks, 3)

		for _, ch := range chunks[:2] {
			out, err := r.Push(ch)
			require.NoError(t, err)
			assert.Nil(t, out)
		}
		// The final chunk is short, so 8+8+4 fits.
		out, err := r.Push(chunks[2])
		require.NoError(t, err)
		assert.Len(t, out, 20)

		chunks, err = c.Split(bytes.Repeat([]byte{2}, 24))
		require.NoError(t, err)
		r.Push(chunks[0])
		r.Push(chunks[1])
		_, err = r.Push(chunks[2])
		assert.True(t, IsFramingError(err))

		// The reassembler recovers on the next message.
		chunks, err = c.Split([]byte("ok"))
		require.NoError(t, err)
		out, err = r.Push(chunks[0])
		require.NoError(t, err)
		assert.Equal(t, []byte("ok"), out)
	})
}
