package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// TextDecoder is one variant of the opaque binary rich-text encoding.
// Decoding either yields the plain string content or fails; unparsed
// bytes are never thrown away by callers.
type TextDecoder interface {
	Name() string
	Decode(data []byte) (string, error)
}

// DecodeChain tries each variant in order; first success wins.
func DecodeChain(decoders []TextDecoder, data []byte) (string, error) {
	var firstErr error
	for _, d := range decoders {
		s, err := d.Decode(data)
		if err == nil {
			return s, nil
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", d.Name(), err)
		}
	}
	if firstErr == nil {
		return "", fmt.Errorf("no decoders configured")
	}
	return "", firstErr
}

// DefaultDecoders returns the known rich-text variants, newest first.
func DefaultDecoders() []TextDecoder {
	return []TextDecoder{typedStreamDecoder{}}
}

// typedStreamDecoder extracts the plain string content from an archived
// object-graph payload. The format is a serialized class hierarchy; the
// message body is the first inline string object, tagged 0x84 0x01 0x2b
// and followed by a variable-width length.
type typedStreamDecoder struct{}

var (
	streamHeader = []byte("streamtyped")
	stringTag    = []byte{0x01, 0x2b} // '+' register-inline-string marker
)

func (typedStreamDecoder) Name() string { return "typedstream" }

func (typedStreamDecoder) Decode(data []byte) (string, error) {
	if len(data) < 16 || !bytes.Contains(data[:16], streamHeader) {
		return "", fmt.Errorf("missing archive header")
	}

	off := bytes.Index(data, stringTag)
	if off < 0 {
		return "", fmt.Errorf("no inline string object")
	}
	off += len(stringTag)

	length, n, err := readLength(data[off:])
	if err != nil {
		return "", err
	}
	off += n
	if off+length > len(data) {
		return "", fmt.Errorf("string length %d overruns payload", length)
	}

	s := data[off : off+length]
	if !utf8.Valid(s) {
		return "", fmt.Errorf("string content is not valid UTF-8")
	}
	return string(s), nil
}

// readLength decodes the archive's variable-width integer: a single byte
// below 0x80, or an 0x81/0x82 prefix introducing a 2- or 4-byte
// little-endian value.
func readLength(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("truncated length")
	}
	switch {
	case data[0] < 0x80:
		return int(data[0]), 1, nil
	case data[0] == 0x81:
		if len(data) < 3 {
			return 0, 0, fmt.Errorf("truncated 2-byte length")
		}
		return int(binary.LittleEndian.Uint16(data[1:3])), 3, nil
	case data[0] == 0x82:
		if len(data) < 5 {
			return 0, 0, fmt.Errorf("truncated 4-byte length")
		}
		return int(binary.LittleEndian.Uint32(data[1:5])), 5, nil
	default:
		return 0, 0, fmt.Errorf("unsupported length marker 0x%02x", data[0])
	}
}
