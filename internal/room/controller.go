// Package room owns everything a client creates when it enters a box: the
// topic subscriptions, the sync and call engines, and the chat/invitation
// logs. Join and Leave bracket the lifecycle; Leave tears all of it down
// synchronously so no camera stays open and no timer fires into dead state.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/watchbox/boxsync/internal/api"
	"github.com/watchbox/boxsync/internal/call"
	"github.com/watchbox/boxsync/internal/config"
	"github.com/watchbox/boxsync/internal/playback"
	"github.com/watchbox/boxsync/internal/stream"
	"github.com/watchbox/boxsync/internal/transport"
)

var (
	// ErrAlreadyJoined — one controller drives at most one box at a time.
	ErrAlreadyJoined = errors.New("room: already in a box")
	// ErrNotJoined is returned by operations that need an active box.
	ErrNotJoined = errors.New("room: no box joined")
)

// Controller ties one client's engines to one box.
type Controller struct {
	bus     transport.Bus
	backend *api.Client
	cfg     config.Config
	self    api.User

	mu    sync.Mutex
	boxID string
	box   api.Box

	player   playback.Player
	engine   *playback.Engine
	callEng  *call.Engine
	chatLog  *stream.Log[stream.ChatMessage]
	invLog   *stream.Log[stream.Invitation]

	unsubs     []func()
	callUnsubs []func()
	stateUnsub func()

	onLost func()
	joined bool
}

// New creates a controller. The bus must already be connected.
func New(bus transport.Bus, backend *api.Client, cfg config.Config, self api.User) *Controller {
	return &Controller{bus: bus, backend: backend, cfg: cfg, self: self}
}

// OnConnectionLost registers the presentation-layer notification for the
// terminal transport state. Recoverable drops are absorbed silently.
func (c *Controller) OnConnectionLost(fn func()) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// ApplyConfig takes a reloaded configuration. Sync timings reach the running
// engine immediately; call settings (offer delay, ICE servers) are picked up
// by the next JoinCall. Transport and identity changes need a restart.
func (c *Controller) ApplyConfig(cfg config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	eng := c.engine
	c.mu.Unlock()
	if eng != nil {
		eng.SetTimings(cfg.EchoSuppress(), cfg.SeekDebounce())
	}
	log.Printf("ROOM: config applied (echo %s, debounce %s)", cfg.EchoSuppress(), cfg.SeekDebounce())
}

// Join enters a box: fetches its metadata, creates fresh logs and the sync
// engine, and subscribes the box's streams. player receives the programmatic
// playback commands that remote events produce.
func (c *Controller) Join(ctx context.Context, boxID string, player playback.Player) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined {
		return ErrAlreadyJoined
	}

	eng := playback.New(c.bus, player, playback.Config{
		SyncTopic:    PubTopic(boxID, TopicSync),
		EchoSuppress: c.cfg.EchoSuppress(),
		SeekDebounce: c.cfg.SeekDebounce(),
	})
	eng.BeginLoading()

	box, err := c.backend.GetBox(ctx, boxID)
	if err != nil {
		return fmt.Errorf("room: load box %s: %w", boxID, err)
	}
	mediaURL := ""
	if box.MovieID != "" {
		movie, err := c.backend.GetMovie(ctx, box.MovieID)
		if err != nil {
			return fmt.Errorf("room: load movie %s: %w", box.MovieID, err)
		}
		mediaURL = movie.URL
	}

	chatLog := stream.NewLog[stream.ChatMessage]("chat")
	invLog := stream.NewLog[stream.Invitation]("invitations")

	var unsubs []func()
	for _, s := range []struct {
		kind string
		fn   transport.Handler
	}{
		{TopicSync, eng.HandleRemote},
		{TopicChat, chatLog.Ingest},
		{TopicInvitations, invLog.Ingest},
	} {
		u, err := c.bus.Subscribe(SubTopic(boxID, s.kind), s.fn)
		if err != nil {
			for _, undo := range unsubs {
				undo()
			}
			return fmt.Errorf("room: subscribe %s: %w", s.kind, err)
		}
		unsubs = append(unsubs, u)
	}

	c.stateUnsub = c.bus.OnStateChange(func(s transport.State) {
		switch s {
		case transport.StateConnected:
			c.Reconnect()
		case transport.StateReconnecting:
			eng.Suspend()
		case transport.StateLost:
			eng.Suspend()
			c.mu.Lock()
			fn := c.onLost
			c.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})

	eng.Start(mediaURL)

	c.boxID = boxID
	c.box = box
	c.player = player
	c.engine = eng
	c.chatLog = chatLog
	c.invLog = invLog
	c.unsubs = unsubs
	c.joined = true
	log.Printf("ROOM: joined box %s (%s)", boxID, box.Name)
	return nil
}

// Reconnect handles the link coming back for the SAME box: broadcasting
// resumes, nothing is replayed, and the chat/invitation logs are left
// alone. Only Join resets logs — a reconnect that cleared them would eat
// the visible history for no reason.
func (c *Controller) Reconnect() {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng != nil {
		eng.Resume()
		log.Printf("ROOM: resynced after reconnect")
	}
}

// Leave exits the box, tearing everything down before returning: topic
// subscriptions, the call (camera included), and all engine timers.
func (c *Controller) Leave() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	unsubs := append([]func(){}, c.unsubs...)
	stateUnsub := c.stateUnsub
	eng := c.engine
	boxID := c.boxID

	c.unsubs = nil
	c.stateUnsub = nil
	c.engine = nil
	c.chatLog = nil
	c.invLog = nil
	c.joined = false
	c.boxID = ""
	c.mu.Unlock()

	c.LeaveCall()

	for _, u := range unsubs {
		u()
	}
	if stateUnsub != nil {
		stateUnsub()
	}
	if eng != nil {
		eng.Close()
	}
	log.Printf("ROOM: left box %s", boxID)
}

// JoinCall enters the box's video call: creates the call engine with local
// capture, subscribes the signaling streams and announces this client.
func (c *Controller) JoinCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return ErrNotJoined
	}
	if c.callEng != nil {
		return nil // already in the call
	}

	eng := call.NewWithMedia(c.bus, call.Config{
		SignalTopic: PubTopic(c.boxID, TopicVideoCall),
		RosterTopic: PubTopic(c.boxID, TopicCallUsers),
		SelfID:      c.self.ID,
		SelfName:    c.self.Username,
		OfferDelay:  c.cfg.OfferDelay(),
	}, c.cfg.Call.ICEServers)

	var unsubs []func()
	for _, s := range []struct {
		kind string
		fn   transport.Handler
	}{
		{TopicVideoCall, eng.HandleSignal},
		{TopicCallUsers, eng.HandleRoster},
	} {
		u, err := c.bus.Subscribe(SubTopic(c.boxID, s.kind), s.fn)
		if err != nil {
			for _, undo := range unsubs {
				undo()
			}
			return fmt.Errorf("room: subscribe %s: %w", s.kind, err)
		}
		unsubs = append(unsubs, u)
	}

	eng.Start()
	c.callEng = eng
	c.callUnsubs = unsubs
	return nil
}

// LeaveCall exits the call only, releasing capture and closing every peer
// connection. No-op outside a call.
func (c *Controller) LeaveCall() {
	c.mu.Lock()
	eng := c.callEng
	unsubs := c.callUnsubs
	c.callEng = nil
	c.callUnsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if eng != nil {
		eng.End()
	}
}

// Call returns the active call engine, or nil outside a call.
func (c *Controller) Call() *call.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callEng
}

// Playback returns the sync engine, or nil outside a box.
func (c *Controller) Playback() *playback.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// ChatLog returns the box's chat log, or nil outside a box.
func (c *Controller) ChatLog() *stream.Log[stream.ChatMessage] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatLog
}

// InvitationLog returns the box's invitation log, or nil outside a box.
func (c *Controller) InvitationLog() *stream.Log[stream.Invitation] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invLog
}

// SendChat publishes a chat message and appends it locally — the broker
// delivers only to the other clients.
func (c *Controller) SendChat(content string) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	boxID := c.boxID
	chatLog := c.chatLog
	c.mu.Unlock()

	msg := stream.ChatMessage{Sender: c.self.Username, SenderID: c.self.ID, Content: content}
	chatLog.Append(msg)
	return c.bus.Publish(PubTopic(boxID, TopicChat), msg)
}

// Invite publishes an invitation for username into the box's stream.
func (c *Controller) Invite(username string) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	boxID := c.boxID
	boxName := c.box.Name
	c.mu.Unlock()

	inv := stream.Invitation{
		InvitedUsername: username,
		InvitedBy:       c.self.Username,
		BoxID:           boxID,
		BoxName:         boxName,
	}
	return c.bus.Publish(PubTopic(boxID, TopicInvitations), inv)
}
