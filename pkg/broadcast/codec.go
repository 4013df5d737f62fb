// Package broadcast implements the binary frame a participant advertises over
// the short-range medium.
//
// Frame layout (all lengths unsigned, big-endian prefix):
//
//	[u32 payload length]
//	[u8 username length][username]
//	[u8 description length][description]
//	[u8 topic count]([u8 topic length][topic]) * count
//
// The u32 prefix counts the payload bytes that follow it, so a reader that has
// the first four bytes knows the total frame size.
package broadcast

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxFrameSize is the largest frame (prefix included) the transport carries.
	DefaultMaxFrameSize = 512

	// PrefixSize is the size of the u32 length prefix.
	PrefixSize = 4

	// MaxFieldLen is the longest string a single length byte can describe.
	MaxFieldLen = 255

	// MaxTopics is the largest topic count a single count byte can describe.
	MaxTopics = 255

	minimalUsernameLen = 20
	minimalTopicCount  = 3
	minimalTopicLen    = 15

	// minFrameSize is the prefix plus the username length byte.
	minFrameSize = PrefixSize + 1
)

// Errors returned by Encode and Decode.
var (
	// ErrFrameTooLarge is returned when not even the minimal frame fits the limit.
	ErrFrameTooLarge = errors.New("broadcast: frame exceeds size limit")

	// ErrShortFrame is returned when the buffer cannot hold a prefix and a username length.
	ErrShortFrame = errors.New("broadcast: frame too short")

	// ErrLengthOverflow is returned when the declared payload length exceeds the buffer.
	ErrLengthOverflow = errors.New("broadcast: declared length exceeds buffer")

	// ErrFieldOverrun is returned when a field length runs past the end of the frame.
	ErrFieldOverrun = errors.New("broadcast: field overruns frame")

	// ErrInvalidUTF8 is returned when the username or description is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("broadcast: invalid utf-8")

	// ErrEmptyUsername is returned when a frame carries no username.
	ErrEmptyUsername = errors.New("broadcast: empty username")
)

// DecodeError describes where a frame failed to decode.
type DecodeError struct {
	Field  string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Profile is the part of a local profile that goes on the wire.
type Profile struct {
	Username    string
	Description string
	Topics      []string
}

// Broadcast is a decoded peer advertisement.
type Broadcast struct {
	Username    string
	Description string
	Topics      []string
	// Timestamp is when the frame was decoded; it is not carried on the wire.
	Timestamp time.Time
}

// Encode serializes p into a frame no larger than DefaultMaxFrameSize.
func Encode(p Profile) ([]byte, error) {
	return EncodeWithLimit(p, DefaultMaxFrameSize)
}

// EncodeWithLimit serializes p into a frame no larger than limit bytes.
// Fields longer than MaxFieldLen bytes are truncated at a rune boundary. When
// the full frame does not fit, the minimal frame (short username, up to three
// short topics, no description) is produced instead.
func EncodeWithLimit(p Profile, limit int) ([]byte, error) {
	if p.Username == "" {
		return []byte{}, ErrEmptyUsername
	}

	full := Profile{
		Username:    truncate(p.Username, MaxFieldLen),
		Description: truncate(p.Description, MaxFieldLen),
		Topics:      clampTopics(p.Topics, MaxTopics, MaxFieldLen),
	}
	if payloadSize(full) <= limit-PrefixSize {
		return marshal(full), nil
	}

	minimal := Profile{
		Username: truncate(p.Username, minimalUsernameLen),
		Topics:   clampTopics(p.Topics, minimalTopicCount, minimalTopicLen),
	}
	if payloadSize(minimal) <= limit-PrefixSize {
		return marshal(minimal), nil
	}

	return []byte{}, fmt.Errorf("%w: minimal frame is %d bytes, limit %d",
		ErrFrameTooLarge, PrefixSize+payloadSize(minimal), limit)
}

// Decode parses a frame. It never reads outside data and never panics.
func Decode(data []byte) (*Broadcast, error) {
	if len(data) < minFrameSize {
		return nil, &DecodeError{Field: "prefix", Offset: 0, Err: ErrShortFrame}
	}

	declared := binary.BigEndian.Uint32(data[:PrefixSize])
	if uint64(declared) > uint64(len(data)-PrefixSize) {
		return nil, &DecodeError{Field: "prefix", Offset: 0,
			Err: fmt.Errorf("%w: %d > %d", ErrLengthOverflow, declared, len(data)-PrefixSize)}
	}
	r := reader{buf: data[:PrefixSize+int(declared)], pos: PrefixSize}

	username, err := r.field("username")
	if err != nil {
		return nil, err
	}
	if !utf8.ValidString(username) {
		return nil, &DecodeError{Field: "username", Offset: PrefixSize, Err: ErrInvalidUTF8}
	}
	if username == "" {
		return nil, &DecodeError{Field: "username", Offset: PrefixSize, Err: ErrEmptyUsername}
	}

	descOffset := r.pos
	description, err := r.field("description")
	if err != nil {
		return nil, err
	}
	if !utf8.ValidString(description) {
		return nil, &DecodeError{Field: "description", Offset: descOffset, Err: ErrInvalidUTF8}
	}

	b := &Broadcast{
		Username:    username,
		Description: description,
		Topics:      []string{},
		Timestamp:   time.Now(),
	}

	// The topic list is best effort: a short tail ends it instead of failing.
	count, ok := r.readByte()
	if !ok {
		return b, nil
	}
	for i := 0; i < int(count); i++ {
		topic, err := r.field("topic")
		if err != nil {
			break
		}
		if utf8.ValidString(topic) && strings.TrimSpace(topic) != "" {
			b.Topics = append(b.Topics, topic)
		}
	}

	return b, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	v := r.buf[r.pos] & 0xFF
	r.pos++
	return v, true
}

func (r *reader) field(name string) (string, error) {
	start := r.pos
	n, ok := r.readByte()
	if !ok {
		return "", &DecodeError{Field: name, Offset: start, Err: ErrFieldOverrun}
	}
	end := r.pos + int(n)
	if end > len(r.buf) {
		return "", &DecodeError{Field: name, Offset: start,
			Err: fmt.Errorf("%w: need %d bytes, have %d", ErrFieldOverrun, n, len(r.buf)-r.pos)}
	}
	s := string(r.buf[r.pos:end])
	r.pos = end
	return s, nil
}

func payloadSize(p Profile) int {
	n := 1 + len(p.Username) + 1 + len(p.Description) + 1
	for _, t := range p.Topics {
		n += 1 + len(t)
	}
	return n
}

func marshal(p Profile) []byte {
	size := payloadSize(p)
	buf := make([]byte, PrefixSize, PrefixSize+size)
	binary.BigEndian.PutUint32(buf, uint32(size))

	buf = appendField(buf, p.Username)
	buf = appendField(buf, p.Description)
	buf = append(buf, byte(len(p.Topics)))
	for _, t := range p.Topics {
		buf = appendField(buf, t)
	}
	return buf
}

func appendField(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

// clampTopics drops blank topics, truncates each to maxLen bytes and keeps at
// most maxCount of them.
func clampTopics(topics []string, maxCount, maxLen int) []string {
	out := make([]string, 0, min(len(topics), maxCount))
	for _, t := range topics {
		if len(out) == maxCount {
			break
		}
		t = truncate(t, maxLen)
		if strings.TrimSpace(t) == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
