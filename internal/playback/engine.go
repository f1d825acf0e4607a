// Package playback keeps one box's shared playhead in sync. Every client
// holds its own copy of the state and reconciles it against broadcasts on
// the box sync topic; echo suppression stops a just-applied remote change
// from being re-broadcast when the player fires its own event callbacks.
package playback

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Wire actions on the sync topic.
const (
	actionPlay      = "play"
	actionPause     = "pause"
	actionSeek      = "seek"
	actionChangeURL = "changeUrl"
)

// Message is the wire format on the sync topic.
type Message struct {
	Action string   `json:"action"`
	Time   *float64 `json:"time,omitempty"`
	URL    string   `json:"url,omitempty"`
}

// ActionKind tags a local user intent.
type ActionKind int

const (
	ActionPlay ActionKind = iota
	ActionPause
	ActionSeek
	ActionChangeMedia
)

// Action is one local user intent from the render layer.
type Action struct {
	Kind ActionKind
	Time float64 // Seek only
	URL  string  // ChangeMedia only
}

// State of the engine.
type State int

const (
	// StateUninitialized — no box joined yet.
	StateUninitialized State = iota
	// StateLoading — box/media metadata being fetched.
	StateLoading
	// StateSynced — subscribed and broadcasting.
	StateSynced
	// StateSuspended — transport down; local playback continues, broadcasts
	// stop until the link is back.
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	case StateSuspended:
		return "suspended"
	}
	return "unknown"
}

// Player is the slice of the render layer the engine drives.
type Player interface {
	Load(url string)
	SetPlaying(playing bool)
	SeekTo(seconds float64)
}

// Publisher is the slice of the transport the engine needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Config for one engine.
type Config struct {
	// SyncTopic is the publish destination for this box's sync commands.
	SyncTopic string

	// EchoSuppress is how long local intents are ignored after a remote
	// change is applied. Long enough to absorb the player's own callbacks
	// after a programmatic change, short enough not to eat real fast user
	// actions.
	EchoSuppress time.Duration

	// SeekDebounce coalesces seek intents while the user drags the scrub
	// bar; only the latest position is broadcast.
	SeekDebounce time.Duration
}

func (c *Config) fill() {
	if c.EchoSuppress <= 0 {
		c.EchoSuppress = 500 * time.Millisecond
	}
	if c.SeekDebounce <= 0 {
		c.SeekDebounce = 300 * time.Millisecond
	}
}

// Engine reconciles local intents and remote broadcasts for one box.
type Engine struct {
	cfg    Config
	pub    Publisher
	player Player

	mu         sync.Mutex
	state      State
	mediaURL   string
	isPlaying  bool
	lastPos    float64
	suppressed bool

	suppressTimer *time.Timer
	seekTimer     *time.Timer
	pendingSeek   float64

	closed bool
}

// New creates an engine in the Uninitialized state.
func New(pub Publisher, player Player, cfg Config) *Engine {
	cfg.fill()
	return &Engine{cfg: cfg, pub: pub, player: player, state: StateUninitialized}
}

// BeginLoading marks the metadata fetch in progress.
func (e *Engine) BeginLoading() {
	e.mu.Lock()
	e.state = StateLoading
	e.mu.Unlock()
}

// Start moves the engine to Synced with the box's media, if any. An empty
// url means no movie is assigned to the box yet.
func (e *Engine) Start(url string) {
	e.mu.Lock()
	e.state = StateSynced
	e.mediaURL = url
	e.isPlaying = false
	e.suppressed = false
	e.mu.Unlock()
	if url != "" {
		e.player.Load(url)
	}
}

// Suspend marks the transport down. Local playback is untouched.
func (e *Engine) Suspend() {
	e.mu.Lock()
	if e.state == StateSynced {
		e.state = StateSuspended
		log.Printf("SYNC: suspended, playback continues locally")
	}
	e.mu.Unlock()
}

// Resume re-enables broadcasting after a reconnect. Missed state is not
// replayed — the next broadcast resynchronizes everyone.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state == StateSuspended {
		e.state = StateSynced
		log.Printf("SYNC: resumed")
	}
	e.mu.Unlock()
}

// State returns the engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the shared playback state (url, playing, last position).
func (e *Engine) Snapshot() (url string, playing bool, pos float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mediaURL, e.isPlaying, e.lastPos
}

// SetTimings applies new echo/debounce windows to a running engine. Timers
// already armed keep their old deadline; the next arm uses the new values.
func (e *Engine) SetTimings(echo, debounce time.Duration) {
	e.mu.Lock()
	if echo > 0 {
		e.cfg.EchoSuppress = echo
	}
	if debounce > 0 {
		e.cfg.SeekDebounce = debounce
	}
	e.mu.Unlock()
}

// Suppressed reports whether the echo window is open.
func (e *Engine) Suppressed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suppressed
}

// ApplyLocal handles one user intent: broadcast it and update local state
// optimistically. Intents arriving inside the echo window are presumed to be
// the player echoing a just-applied remote change and are dropped —
// ChangeMedia excepted, since pasting a new URL is never an echo.
func (e *Engine) ApplyLocal(a Action) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.state == StateUninitialized || e.state == StateLoading {
		return
	}
	if e.suppressed && a.Kind != ActionChangeMedia {
		log.Printf("SYNC: dropping local intent during echo window")
		return
	}

	switch a.Kind {
	case ActionPlay:
		e.isPlaying = true
		e.broadcastLocked(Message{Action: actionPlay})
	case ActionPause:
		e.isPlaying = false
		e.broadcastLocked(Message{Action: actionPause})
	case ActionSeek:
		e.lastPos = a.Time
		e.pendingSeek = a.Time
		e.debounceSeekLocked()
	case ActionChangeMedia:
		e.mediaURL = a.URL
		e.isPlaying = false
		e.broadcastLocked(Message{Action: actionChangeURL, URL: a.URL})
	}
}

// HandleRemote applies one broadcast from another client. Malformed payloads
// are logged and dropped.
func (e *Engine) HandleRemote(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("SYNC: malformed sync message: %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	switch msg.Action {
	case actionPlay:
		e.isPlaying = true
		e.player.SetPlaying(true)
		e.suppressLocked()
	case actionPause:
		e.isPlaying = false
		e.player.SetPlaying(false)
		e.suppressLocked()
	case actionSeek:
		if msg.Time != nil {
			e.lastPos = *msg.Time
			e.player.SeekTo(*msg.Time)
		}
		e.suppressLocked()
	case actionChangeURL:
		// A media change intentionally resets playback; it is never player
		// feedback, so no echo window.
		e.mediaURL = msg.URL
		e.isPlaying = false
		e.player.Load(msg.URL)
	default:
		log.Printf("SYNC: unknown action %q", msg.Action)
	}
}

// Close stops all pending timers. Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.suppressTimer != nil {
		e.suppressTimer.Stop()
		e.suppressTimer = nil
	}
	if e.seekTimer != nil {
		e.seekTimer.Stop()
		e.seekTimer = nil
	}
	e.suppressed = false
	e.state = StateUninitialized
}

// suppressLocked opens (or re-arms) the echo window. The window always
// closes after the configured delay, no matter what else happens — a stuck
// window would eat every user action.
func (e *Engine) suppressLocked() {
	e.suppressed = true
	if e.suppressTimer != nil {
		e.suppressTimer.Stop()
	}
	e.suppressTimer = time.AfterFunc(e.cfg.EchoSuppress, func() {
		e.mu.Lock()
		e.suppressed = false
		e.mu.Unlock()
	})
}

// debounceSeekLocked (re)arms the coalescing timer; when it fires, only the
// latest dragged position goes out.
func (e *Engine) debounceSeekLocked() {
	if e.seekTimer != nil {
		e.seekTimer.Stop()
	}
	e.seekTimer = time.AfterFunc(e.cfg.SeekDebounce, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		t := e.pendingSeek
		e.broadcastLocked(Message{Action: actionSeek, Time: &t})
	})
}

// broadcastLocked publishes unless the engine is suspended. Publish itself
// is best-effort; a drop is the transport's call.
func (e *Engine) broadcastLocked(msg Message) {
	if e.state != StateSynced {
		log.Printf("SYNC: %s not broadcast (state %s)", msg.Action, e.state)
		return
	}
	if err := e.pub.Publish(e.cfg.SyncTopic, msg); err != nil {
		log.Printf("SYNC: publish %s failed: %v", msg.Action, err)
	}
}
