// Package meshbus implements the bus over libp2p gossipsub, for boxes that
// run on a LAN without the backend broker. Peers find each other via mDNS
// (plus optional bootstrap addresses) and every box topic becomes a
// gossipsub topic. Same Bus contract as wsbus; the bounded-redial policy of
// the broker link does not apply here — libp2p redials peers internally, so
// the bus only goes Lost on Close.
package meshbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/watchbox/boxsync/internal/transport"
)

func init() {
	// Dial failures and backoff noise from libp2p go to stderr by default
	// and drown out our own logs.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Config for the mesh transport.
type Config struct {
	// KeyFile holds the persistent libp2p identity; generated on first run.
	KeyFile string

	// ListenPort for the libp2p TCP listener. 0 picks a free port.
	ListenPort int

	// MdnsTag scopes LAN discovery so unrelated boxsync meshes don't merge.
	MdnsTag string

	// Bootstrap multiaddrs dialed on Connect, for peers mDNS can't see.
	Bootstrap []string
}

// Node is a transport.Bus over a libp2p gossipsub mesh.
type Node struct {
	cfg Config

	host host.Host
	ps   *pubsub.PubSub

	ctx    context.Context
	cancel context.CancelFunc

	topicMu sync.Mutex
	topics  map[string]*pubsub.Topic

	subMu    sync.RWMutex
	handlers map[string]map[int]transport.Handler
	subSeq   int

	stateMu   sync.RWMutex
	state     transport.State
	stateSubs map[int]func(transport.State)
	stateSeq  int

	closeOnce sync.Once
}

var _ transport.Bus = (*Node)(nil)

type mdnsNotifee struct{ h host.Host }

const mdnsConnectTimeout = 3 * time.Second

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), mdnsConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// New creates a mesh node. The mesh is down until Connect succeeds.
func New(cfg Config) *Node {
	if cfg.MdnsTag == "" {
		cfg.MdnsTag = "boxsync-mdns"
	}
	return &Node{
		cfg:       cfg,
		state:     transport.StateReconnecting,
		topics:    make(map[string]*pubsub.Topic),
		handlers:  make(map[string]map[int]transport.Handler),
		stateSubs: make(map[int]func(transport.State)),
	}
}

// Connect starts the libp2p host, gossipsub router and mDNS discovery.
func (n *Node) Connect(ctx context.Context) error {
	priv, err := loadOrCreateKey(n.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("%w: identity key: %v", transport.ErrConnectError, err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", n.cfg.ListenPort)),
	)
	if err != nil {
		return fmt.Errorf("%w: libp2p host: %v", transport.ErrConnectError, err)
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())

	ps, err := pubsub.NewGossipSub(n.ctx, h)
	if err != nil {
		_ = h.Close()
		n.cancel()
		return fmt.Errorf("%w: gossipsub: %v", transport.ErrConnectError, err)
	}

	svc := mdns.NewMdnsService(h, n.cfg.MdnsTag, &mdnsNotifee{h: h})
	if err := svc.Start(); err != nil {
		log.Printf("BUS: mdns start failed (mesh still usable via bootstrap): %v", err)
	}

	for _, raw := range n.cfg.Bootstrap {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Printf("BUS: bad bootstrap addr %q: %v", raw, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("BUS: bootstrap addr %q has no peer id: %v", raw, err)
			continue
		}
		if err := h.Connect(ctx, *pi); err != nil {
			log.Printf("BUS: bootstrap dial %s failed: %v", pi.ID, err)
		}
	}

	n.host = h
	n.ps = ps
	n.setState(transport.StateConnected)
	log.Printf("BUS: mesh up, peer id %s", h.ID())
	return nil
}

// Subscribe registers fn for messages on topic, joining the gossipsub topic
// on first use. Own messages are skipped — gossipsub loops publishes back to
// the sender, and echoing our own sync commands or SDP back into the engines
// would corrupt their state.
func (n *Node) Subscribe(topic string, fn transport.Handler) (func(), error) {
	if n.ps == nil {
		return nil, transport.ErrClosed
	}
	topic = canon(topic)

	n.subMu.Lock()
	n.subSeq++
	id := n.subSeq
	fresh := n.handlers[topic] == nil
	if fresh {
		n.handlers[topic] = make(map[int]transport.Handler)
	}
	n.handlers[topic][id] = fn
	n.subMu.Unlock()

	if fresh {
		t, err := n.joinTopic(topic)
		if err != nil {
			return nil, err
		}
		sub, err := t.Subscribe()
		if err != nil {
			return nil, fmt.Errorf("meshbus: subscribe %s: %w", topic, err)
		}
		go n.readLoop(topic, sub)
	}

	return func() {
		n.subMu.Lock()
		if m := n.handlers[topic]; m != nil {
			delete(m, id)
		}
		n.subMu.Unlock()
	}, nil
}

// Publish sends payload on topic, best-effort like the broker link.
func (n *Node) Publish(topic string, payload any) error {
	if n.ps == nil {
		return transport.ErrClosed
	}
	topic = canon(topic)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("meshbus: marshal payload for %s: %w", topic, err)
	}
	t, err := n.joinTopic(topic)
	if err != nil {
		log.Printf("BUS: dropping publish on %s: %v", topic, err)
		return nil
	}
	if err := t.Publish(n.ctx, data); err != nil {
		log.Printf("BUS: dropping publish on %s: %v", topic, err)
	}
	return nil
}

// State reports the mesh state.
func (n *Node) State() transport.State {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.state
}

// OnStateChange registers fn for state transitions.
func (n *Node) OnStateChange(fn func(transport.State)) func() {
	n.stateMu.Lock()
	n.stateSeq++
	id := n.stateSeq
	n.stateSubs[id] = fn
	n.stateMu.Unlock()
	return func() {
		n.stateMu.Lock()
		delete(n.stateSubs, id)
		n.stateMu.Unlock()
	}
}

// Close shuts the mesh down. Idempotent.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		if n.host != nil {
			_ = n.host.Close()
		}
		n.setState(transport.StateLost)
		log.Printf("BUS: mesh closed")
	})
	return nil
}

// canon maps a broker-style topic to its gossipsub topic. The broker
// receives on app/… and fans out on topic/…; with no broker in the middle,
// both sides of a stream must land on the same gossipsub topic, so the
// prefixes are stripped here.
func canon(topic string) string {
	topic = strings.TrimPrefix(topic, "app/")
	topic = strings.TrimPrefix(topic, "topic/")
	return topic
}

func (n *Node) joinTopic(topic string) (*pubsub.Topic, error) {
	n.topicMu.Lock()
	defer n.topicMu.Unlock()
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("meshbus: join %s: %w", topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// readLoop pumps one gossipsub subscription; one goroutine per topic keeps
// per-topic delivery order.
func (n *Node) readLoop(topic string, sub *pubsub.Subscription) {
	self := n.host.ID()
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return // ctx cancelled on Close
		}
		if msg.ReceivedFrom == self {
			continue
		}

		n.subMu.RLock()
		fns := make([]transport.Handler, 0, len(n.handlers[topic]))
		for _, fn := range n.handlers[topic] {
			fns = append(fns, fn)
		}
		n.subMu.RUnlock()

		for _, fn := range fns {
			fn(msg.Data)
		}
	}
}

func (n *Node) setState(s transport.State) {
	n.stateMu.Lock()
	if n.state == s {
		n.stateMu.Unlock()
		return
	}
	n.state = s
	fns := make([]func(transport.State), 0, len(n.stateSubs))
	for _, fn := range n.stateSubs {
		fns = append(fns, fn)
	}
	n.stateMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// loadOrCreateKey loads the persistent identity key, generating and saving
// an Ed25519 key on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	if keyFile == "" {
		priv, _, err := crypto.GenerateEd25519Key(nil)
		return priv, err
	}

	if data, err := os.ReadFile(keyFile); err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Printf("BUS: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}
