package broadcast

import "encoding/binary"

// DefaultChunkSize is the largest slice of a frame served by one read request.
const DefaultChunkSize = 512

// FrameLength returns the total frame size (prefix included) announced by the
// first PrefixSize bytes of buf. It reports false when buf is too short.
func FrameLength(buf []byte) (int, bool) {
	if len(buf) < PrefixSize {
		return 0, false
	}
	return PrefixSize + int(binary.BigEndian.Uint32(buf[:PrefixSize])), true
}

// Chunk returns the part of frame a reader asking for offset should receive,
// at most size bytes. An offset at or past the end yields an empty chunk.
func Chunk(frame []byte, offset, size int) []byte {
	if offset < 0 || offset >= len(frame) || size <= 0 {
		return []byte{}
	}
	end := offset + size
	if end > len(frame) {
		end = len(frame)
	}
	out := make([]byte, end-offset)
	copy(out, frame[offset:end])
	return out
}
