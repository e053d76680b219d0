package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeObject(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"type":"final","final":"42"}`))
	require.NoError(t, err)
	assert.Equal(t, "final", obj["type"])

	for _, input := range []string{`[1,2]`, `null`, `"x"`, `{"a":1} trailing`, `{`} {
		_, err := DecodeObject([]byte(input))
		assert.Error(t, err, input)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, `{"value":4}`, String(map[string]any{"value": 4}))
	assert.Equal(t, "null", String(func() {}))
}
