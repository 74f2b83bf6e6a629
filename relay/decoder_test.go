package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredDecode(t *testing.T) {
	tests := []struct {
		name    string
		chunk   string
		want    string
		wantErr bool
	}{
		{name: "fragment", chunk: `{"response":"Hello","done":false}`, want: "Hello"},
		{name: "empty fragment", chunk: `{"response":""}`, want: ""},
		{name: "unicode", chunk: `{"response":"è un gatto"}`, want: "è un gatto"},
		{name: "not json", chunk: `Hello`, wantErr: true},
		{name: "array", chunk: `["response"]`, wantErr: true},
		{name: "null", chunk: `null`, wantErr: true},
		{name: "missing field", chunk: `{"done":true}`, wantErr: true},
		{name: "null field", chunk: `{"response":null}`, wantErr: true},
		{name: "number field", chunk: `{"response":42}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Structured{}.Decode([]byte(tt.chunk))
			if tt.wantErr {
				var de *DecodeError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, tt.chunk, string(de.Chunk))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStructuredCustomField(t *testing.T) {
	got, err := Structured{Field: "output"}.Decode([]byte(`{"output":"purr","response":"no"}`))
	require.NoError(t, err)
	assert.Equal(t, "purr", got)
}

func TestPlainDecode(t *testing.T) {
	for _, chunk := range []string{"Hello", " World", "", `{"response":"x"}`} {
		got, err := Plain{}.Decode([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, chunk, got)
	}
}

func TestDecodeIsPure(t *testing.T) {
	chunk := []byte(`{"response":" meow"}`)
	for _, d := range []Decoder{Structured{}, Plain{}} {
		first, err1 := d.Decode(chunk)
		second, err2 := d.Decode(chunk)
		assert.Equal(t, first, second)
		assert.Equal(t, err1, err2)
	}
}

func TestDecodeErrorUnwraps(t *testing.T) {
	_, err := Structured{}.Decode([]byte(`{"done":true}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing field "response"`)
	assert.NotNil(t, errors.Unwrap(err))
}
