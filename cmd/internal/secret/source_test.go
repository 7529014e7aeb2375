package secret

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("ESCROWD_TEST_SECRET", " from-env ")
	src := NewSource("ESCROWD_TEST_SECRET", "from-config")
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "from-env", value)
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("ESCROWD_TEST_SECRET", "  ")
	_, err := NewSource("ESCROWD_TEST_SECRET", "from-config").Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestSourceFallsBackToConfig(t *testing.T) {
	value, err := NewSource("ESCROWD_UNSET_SECRET", "from-config").Get()
	require.NoError(t, err)
	require.Equal(t, "from-config", value)
}

func TestSourcePromptsOnce(t *testing.T) {
	calls := 0
	src := &Source{prompt: func() (string, error) {
		calls++
		return "typed\n", nil
	}}
	for i := 0; i < 2; i++ {
		value, err := src.Get()
		require.NoError(t, err)
		require.Equal(t, "typed", value)
	}
	require.Equal(t, 1, calls)
}

func TestSourceWithoutTerminal(t *testing.T) {
	src := &Source{prompt: func() (string, error) { return "", ErrUnavailable }}
	_, err := src.Get()
	require.ErrorIs(t, err, ErrUnavailable)
}
