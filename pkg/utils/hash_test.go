package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPassword(t *testing.T) {
	hashed, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, CheckPassword("correct horse battery staple", hashed))
	require.False(t, CheckPassword("wrong", hashed))
}

func TestHashPasswordRejectsOverlongInput(t *testing.T) {
	_, err := HashPassword(strings.Repeat("a", 73))
	require.ErrorIs(t, err, ErrPasswordTooLong)

	_, err = HashPassword(strings.Repeat("a", 72))
	require.NoError(t, err)
}
