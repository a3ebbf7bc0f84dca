package viewerproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLiveModeRejectsSeekOnly(t *testing.T) {
	gate := ControlGate{Mode: ModeLive}
	for _, cmd := range []PlaybackCommand{CommandPlay, CommandPause, CommandStep} {
		require.NoError(t, gate.Allow(cmd), "live mode must accept %s", cmd)
	}
	require.Error(t, gate.Allow(CommandSeek))
}

func TestPlaybackModeAcceptsAllCommands(t *testing.T) {
	gate := ControlGate{Mode: ModePlayback}
	for _, cmd := range []PlaybackCommand{CommandPlay, CommandPause, CommandStep, CommandSeek} {
		require.NoError(t, gate.Allow(cmd), "playback mode must accept %s", cmd)
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	require.Error(t, ControlGate{Mode: ModePlayback}.Allow("Rewind"))
}
