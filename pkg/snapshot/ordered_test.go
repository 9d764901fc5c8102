package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	N int `json:"n"`
}

func TestEncodeOrdered_PreservesOrder(t *testing.T) {
	values := map[string]item{"zeta": {1}, "alpha": {2}, "mid": {3}}

	data, err := EncodeOrdered([]string{"zeta", "alpha", "missing", "mid"}, values)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":{"n":1},"alpha":{"n":2},"mid":{"n":3}}`, string(data))
}

func TestEncodeOrdered_Empty(t *testing.T) {
	data, err := EncodeOrdered[item](nil, nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))
}

func TestDecodeOrdered_RoundTripOrder(t *testing.T) {
	keys, values, err := DecodeOrdered[item]([]byte(`{"zeta":{"n":1}, "alpha":{"n":2}, "mid":{"n":3}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, keys)
	assert.Equal(t, item{2}, values["alpha"])

	data, err := EncodeOrdered(keys, values)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":{"n":1},"alpha":{"n":2},"mid":{"n":3}}`, string(data))
}

func TestDecodeOrdered_DuplicateKeepsFirstPosition(t *testing.T) {
	keys, values, err := DecodeOrdered[item]([]byte(`{"a":{"n":1},"b":{"n":2},"a":{"n":9}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, 9, values["a"].N)
}

func TestDecodeOrdered_EmptyInput(t *testing.T) {
	keys, values, err := DecodeOrdered[item]([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, values)
}

func TestDecodeOrdered_Malformed(t *testing.T) {
	inputs := []string{`[]`, `{"a":`, `{"a":{"n":"x"}}`, `{"a":{"n":1}`, `nope`}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, _, err := DecodeOrdered[item]([]byte(in))
			assert.Error(t, err)
		})
	}
}
