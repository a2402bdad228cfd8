package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBcryptRoundTrip(t *testing.T) {
	h := Bcrypt{Cost: 4}

	digest, err := h.Hash("s3gredo")
	require.NoError(t, err)
	require.NotEqual(t, "s3gredo", digest)

	require.True(t, h.Compare(digest, "s3gredo"))
	require.False(t, h.Compare(digest, "errado"))
}

func TestBcryptDigestsAreSalted(t *testing.T) {
	h := Bcrypt{Cost: 4}

	d1, err := h.Hash("mesma senha")
	require.NoError(t, err)
	d2, err := h.Hash("mesma senha")
	require.NoError(t, err)

	require.NotEqual(t, d1, d2)
	require.True(t, h.Compare(d1, "mesma senha"))
	require.True(t, h.Compare(d2, "mesma senha"))
}
