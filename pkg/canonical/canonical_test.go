package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSON_SortsKeys(t *testing.T) {
	in := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	out, err := JSON(in)
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1,"c":3}`, string(out))
}

func TestHash_StableAcrossFieldOrder(t *testing.T) {
	type v1 struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	type v2 struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	h1, err := Hash(v1{A: 1, B: 2})
	require.NoError(t, err)
	h2, err := Hash(v2{B: 2, A: 1})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestHashBytes_EmptyInput(t *testing.T) {
	// Well-known SHA-256 digest of the empty byte string.
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashBytes(nil))
}

func TestHashFileBytes_MatchesHashBytes(t *testing.T) {
	data := []byte("plan content")
	require.Equal(t, HashBytes(data), HashFileBytes(data))
}
