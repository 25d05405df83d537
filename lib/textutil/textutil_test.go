package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	require.Equal(t, "aflevering1", NormalizeName(" Aflevering\t1\n"))
	require.True(t, SameName("Aflevering 1", "aflevering1"))
	require.False(t, SameName("Aflevering 1", "Aflevering 2"))
}
