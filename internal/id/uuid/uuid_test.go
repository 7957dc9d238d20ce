// Package uuid exercises the ID generator adapter.
package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestGeneratorUnique checks successive IDs differ and are non-nil.
func TestGeneratorUnique(t *testing.T) {
	t.Parallel()

	gen := NewGenerator()
	first := gen.New()
	second := gen.New()
	require.NotEqual(t, guuid.Nil, first)
	require.NotEqual(t, first, second)
}
