package room

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/watchbox/boxsync/internal/api"
	"github.com/watchbox/boxsync/internal/config"
	"github.com/watchbox/boxsync/internal/stream"
	"github.com/watchbox/boxsync/internal/transport"
)

// fakeBus is an in-memory transport.Bus with manual message injection.
type fakeBus struct {
	mu       sync.Mutex
	subs     map[string]map[int]transport.Handler
	seq      int
	sent     []busFrame
	state    transport.State
	stateFns map[int]func(transport.State)
}

type busFrame struct {
	topic   string
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		subs:     make(map[string]map[int]transport.Handler),
		state:    transport.StateConnected,
		stateFns: make(map[int]func(transport.State)),
	}
}

func (b *fakeBus) Connect(ctx context.Context) error { return nil }

func (b *fakeBus) Subscribe(topic string, fn transport.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]transport.Handler)
	}
	b.subs[topic][id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}, nil
}

func (b *fakeBus) Publish(topic string, payload any) error {
	b.mu.Lock()
	b.sent = append(b.sent, busFrame{topic, payload})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) State() transport.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *fakeBus) OnStateChange(fn func(transport.State)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	b.stateFns[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.stateFns, id)
		b.mu.Unlock()
	}
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) setState(s transport.State) {
	b.mu.Lock()
	b.state = s
	fns := make([]func(transport.State), 0, len(b.stateFns))
	for _, fn := range b.stateFns {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (b *fakeBus) inject(t *testing.T, topic string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	handlers := make([]transport.Handler, 0, len(b.subs[topic]))
	for _, fn := range b.subs[topic] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(raw)
	}
}

func (b *fakeBus) published(topic string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []any
	for _, f := range b.sent {
		if f.topic == topic {
			out = append(out, f.payload)
		}
	}
	return out
}

func (b *fakeBus) subCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}

type recPlayer struct {
	mu      sync.Mutex
	loaded  []string
	playing []bool
	seeks   []float64
}

func (p *recPlayer) Load(url string) {
	p.mu.Lock()
	p.loaded = append(p.loaded, url)
	p.mu.Unlock()
}

func (p *recPlayer) SetPlaying(v bool) {
	p.mu.Lock()
	p.playing = append(p.playing, v)
	p.mu.Unlock()
}

func (p *recPlayer) SeekTo(s float64) {
	p.mu.Lock()
	p.seeks = append(p.seeks, s)
	p.mu.Unlock()
}

func newBackend(t *testing.T) *api.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /boxes/b1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.Box{ID: "b1", Name: "movie night", MovieID: "m1", CreatorID: "u9"})
	})
	mux.HandleFunc("GET /movies/m1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.Movie{ID: "m1", Title: "BBB", URL: "http://cdn/bbb.mp4"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return api.New(srv.URL, time.Second)
}

func newController(t *testing.T) (*Controller, *fakeBus, *recPlayer) {
	t.Helper()
	bus := newFakeBus()
	cfg := config.Default()
	cfg.Sync.EchoSuppressMs = 40
	cfg.Sync.SeekDebounceMs = 20
	ctrl := New(bus, newBackend(t), cfg, api.User{ID: "u1", Username: "alice"})
	t.Cleanup(ctrl.Leave)
	return ctrl, bus, &recPlayer{}
}

func TestJoinWiresBoxStreams(t *testing.T) {
	ctrl, bus, player := newController(t)

	if err := ctrl.Join(context.Background(), "b1", player); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Join(context.Background(), "b1", player); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join: %v", err)
	}

	// The box's movie was loaded into the player.
	player.mu.Lock()
	loads := append([]string{}, player.loaded...)
	player.mu.Unlock()
	if len(loads) != 1 || loads[0] != "http://cdn/bbb.mp4" {
		t.Fatalf("loads = %v", loads)
	}

	// Remote sync events drive the player through the subscription.
	bus.inject(t, "topic/box/b1/sync", map[string]string{"action": "play"})
	player.mu.Lock()
	playing := append([]bool{}, player.playing...)
	player.mu.Unlock()
	if len(playing) != 1 || !playing[0] {
		t.Fatalf("playing = %v", playing)
	}

	// Chat and invitations land in their logs.
	bus.inject(t, "topic/box/b1/chat", stream.ChatMessage{Sender: "bob", Content: "hi"})
	bus.inject(t, "topic/box/b1/invitations", stream.Invitation{InvitedUsername: "carol", BoxID: "b1"})
	if ctrl.ChatLog().Len() != 1 || ctrl.InvitationLog().Len() != 1 {
		t.Fatalf("chat=%d invites=%d", ctrl.ChatLog().Len(), ctrl.InvitationLog().Len())
	}
}

func TestSendChatAppendsLocally(t *testing.T) {
	ctrl, bus, player := newController(t)

	if err := ctrl.SendChat("x"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("chat before join: %v", err)
	}

	if err := ctrl.Join(context.Background(), "b1", player); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.SendChat("hello"); err != nil {
		t.Fatal(err)
	}

	// The broker does not echo our own frames, so the local log carries it.
	if ctrl.ChatLog().Len() != 1 {
		t.Fatalf("chat log len = %d", ctrl.ChatLog().Len())
	}
	out := bus.published("app/box/b1/chat")
	if len(out) != 1 {
		t.Fatalf("published = %+v", out)
	}
	msg := out[0].(stream.ChatMessage)
	if msg.Sender != "alice" || msg.Content != "hello" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestInvitePublishesBoxDetails(t *testing.T) {
	ctrl, bus, player := newController(t)
	if err := ctrl.Join(context.Background(), "b1", player); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Invite("carol"); err != nil {
		t.Fatal(err)
	}

	out := bus.published("app/box/b1/invitations")
	if len(out) != 1 {
		t.Fatalf("published = %+v", out)
	}
	inv := out[0].(stream.Invitation)
	if inv.InvitedUsername != "carol" || inv.BoxID != "b1" || inv.BoxName != "movie night" || inv.InvitedBy != "alice" {
		t.Fatalf("invitation = %+v", inv)
	}
}

func TestTransportStatesDriveSyncEngine(t *testing.T) {
	ctrl, bus, player := newController(t)
	if err := ctrl.Join(context.Background(), "b1", player); err != nil {
		t.Fatal(err)
	}

	lost := make(chan struct{})
	ctrl.OnConnectionLost(func() { close(lost) })

	bus.setState(transport.StateReconnecting)
	if got := ctrl.Playback().State(); got.String() != "suspended" {
		t.Fatalf("engine state = %s", got)
	}

	// Reconnect resumes broadcasting; chat history is untouched.
	bus.inject(t, "topic/box/b1/chat", stream.ChatMessage{Sender: "bob", Content: "while away"})
	bus.setState(transport.StateConnected)
	if got := ctrl.Playback().State(); got.String() != "synced" {
		t.Fatalf("engine state = %s", got)
	}
	if ctrl.ChatLog().Len() != 1 {
		t.Fatal("reconnect cleared the chat log")
	}

	bus.setState(transport.StateLost)
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("lost callback never fired")
	}
}

func TestLeaveTearsDown(t *testing.T) {
	ctrl, bus, player := newController(t)
	if err := ctrl.Join(context.Background(), "b1", player); err != nil {
		t.Fatal(err)
	}
	if bus.subCount() == 0 {
		t.Fatal("no subscriptions after join")
	}

	ctrl.Leave()
	ctrl.Leave() // idempotent

	if bus.subCount() != 0 {
		t.Fatalf("subscriptions after leave: %d", bus.subCount())
	}
	if ctrl.Playback() != nil || ctrl.ChatLog() != nil {
		t.Fatal("engine or logs survived leave")
	}

	// Rejoining starts with fresh, empty logs.
	if err := ctrl.Join(context.Background(), "b1", player); err != nil {
		t.Fatal(err)
	}
	if ctrl.ChatLog().Len() != 0 {
		t.Fatal("logs not reset on fresh join")
	}
}

func TestApplyConfigRetunesRunningEngine(t *testing.T) {
	bus := newFakeBus()
	cfg := config.Default() // default 500ms echo window
	ctrl := New(bus, newBackend(t), cfg, api.User{ID: "u1", Username: "alice"})
	t.Cleanup(ctrl.Leave)

	player := &recPlayer{}
	if err := ctrl.Join(context.Background(), "b1", player); err != nil {
		t.Fatal(err)
	}

	next := cfg
	next.Sync.EchoSuppressMs = 30
	next.Sync.SeekDebounceMs = 20
	ctrl.ApplyConfig(next)

	// A remote event now opens the reloaded, much shorter echo window.
	bus.inject(t, "topic/box/b1/sync", map[string]string{"action": "play"})
	if !ctrl.Playback().Suppressed() {
		t.Fatal("echo window not opened")
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for ctrl.Playback().Suppressed() {
		if time.Now().After(deadline) {
			t.Fatal("echo window still on the old timing")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallRequiresJoin(t *testing.T) {
	ctrl, _, _ := newController(t)
	if err := ctrl.JoinCall(); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("join call before box join: %v", err)
	}
	ctrl.LeaveCall() // no-op outside a call
	if ctrl.Call() != nil {
		t.Fatal("call engine exists without JoinCall")
	}
}
