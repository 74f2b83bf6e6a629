package relay

import (
	"encoding/json"
	"fmt"
)

// DefaultField is the JSON field holding the text increment of an Ollama
// generate stream.
const DefaultField = "response"

// A Decoder extracts the text fragment carried by one chunk of an upstream
// stream. Decoders are pure: decoding the same chunk twice gives the same
// fragment.
type Decoder interface {
	Decode(chunk []byte) (string, error)
}

// DecodeError reports a chunk that could not be decoded.
type DecodeError struct {
	Chunk []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding chunk %q: %v", truncate(e.Chunk, 64), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Structured decodes chunks that are JSON objects and returns the string
// value of Field. An empty Field means DefaultField.
type Structured struct {
	Field string
}

func (s Structured) Decode(chunk []byte) (string, error) {
	field := s.Field
	if field == "" {
		field = DefaultField
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(chunk, &obj); err != nil {
		return "", &DecodeError{Chunk: chunk, Err: err}
	}
	if obj == nil {
		return "", &DecodeError{Chunk: chunk, Err: fmt.Errorf("not a JSON object")}
	}
	raw, ok := obj[field]
	if !ok || string(raw) == "null" {
		return "", &DecodeError{Chunk: chunk, Err: fmt.Errorf("missing field %q", field)}
	}

	var frag string
	if err := json.Unmarshal(raw, &frag); err != nil {
		return "", &DecodeError{Chunk: chunk, Err: fmt.Errorf("field %q: %w", field, err)}
	}
	return frag, nil
}

// Plain treats each chunk as the fragment itself.
type Plain struct{}

func (Plain) Decode(chunk []byte) (string, error) { return string(chunk), nil }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
