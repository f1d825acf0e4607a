package app

import (
	"log"

	"github.com/watchbox/boxsync/internal/playback"
)

// Player is what the presentation layer plugs in to receive playback
// commands produced by remote events.
type Player = playback.Player

// logPlayer is the headless player for CLI runs: every command is visible,
// none is acted on.
type logPlayer struct{}

func (logPlayer) Load(url string) { log.Printf("PLAYER: load %s", url) }

func (logPlayer) SetPlaying(play bool) { log.Printf("PLAYER: playing=%v", play) }

func (logPlayer) SeekTo(seconds float64) { log.Printf("PLAYER: seek to %.2fs", seconds) }
