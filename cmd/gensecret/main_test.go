package main

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_generate(t *testing.T) {
	a, err := generate(SecretKeyBytesLen)
	require.NoError(t, err)
	b, err := generate(SecretKeyBytesLen)
	require.NoError(t, err)

	require.Len(t, a, 2*SecretKeyBytesLen, "hex doubles length")
	require.NotEqual(t, a, b)

	_, err = hex.DecodeString(a)
	require.NoError(t, err)
}
