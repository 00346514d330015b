package terminal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSize_FallsBackWhenNotATerminal(t *testing.T) {
	rows, cols := Size(-1) // never a valid fd, let alone a terminal
	require.EqualValues(t, fallbackRows, rows)
	require.EqualValues(t, fallbackCols, cols)
}

func TestDrain_CoalescesPendingNotificationsIntoOne(t *testing.T) {
	ch := make(chan os.Signal, 4)
	ch <- os.Interrupt
	ch <- os.Interrupt
	ch <- os.Interrupt

	require.True(t, Drain(ch), "at least one pending notification should be reported")
	require.False(t, Drain(ch), "the channel should be empty after draining")
}

func TestDrain_FalseOnEmptyChannel(t *testing.T) {
	ch := make(chan os.Signal, 1)
	require.False(t, Drain(ch))
}
