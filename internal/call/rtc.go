package call

import (
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested on each remote video
// track; without it a lost keyframe leaves the render layer stuck on a
// stale frame until the encoder decides to send one.
const pliInterval = 3 * time.Second

// NewWithMedia builds an engine whose connections are real pion
// PeerConnections carrying local capture when the platform provides it.
func NewWithMedia(pub Publisher, cfg Config, iceServers []string) *Engine {
	media := captureMedia()
	e := New(pub, cfg, nil)
	e.media = media
	e.newConn = func(remoteID string) (peerConn, error) {
		return e.dialPeer(remoteID, media, iceServers)
	}
	return e
}

// OnTrack registers the render-layer sink for remote media tracks.
func (e *Engine) OnTrack(fn func(remoteID string, track *webrtc.TrackRemote)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

// localSender pairs an RTPSender with the track it was created from, so a
// muted track can be restored without renegotiation.
type localSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// rtcConn adapts a pion PeerConnection to the peerConn surface.
type rtcConn struct {
	pc      *webrtc.PeerConnection
	senders []localSender
}

// SetTrackEnabled mutes or restores the local tracks of one kind by swapping
// the sender's track; the m-line stays, so no offer/answer cycle results.
func (c *rtcConn) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) {
	for _, ls := range c.senders {
		if ls.track.Kind() != kind {
			continue
		}
		if enabled {
			_ = ls.sender.ReplaceTrack(ls.track)
		} else {
			_ = ls.sender.ReplaceTrack(nil)
		}
	}
}

func (c *rtcConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *rtcConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *rtcConn) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *rtcConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *rtcConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *rtcConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *rtcConn) Close() error { return c.pc.Close() }

// dialPeer builds one PeerConnection toward remoteID. Connection callbacks
// re-enter the engine through the inbox; outbound trickle candidates go
// straight to the signal topic.
func (e *Engine) dialPeer(remoteID string, media *localMedia, iceServers []string) (peerConn, error) {
	pc, senders, err := media.newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		e.publishSignal(Signal{Type: SignalCandidate, Candidate: &init})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			e.enqueue(inboxMsg{kind: inConnEvent, userID: remoteID})
		case webrtc.PeerConnectionStateFailed:
			e.enqueue(inboxMsg{kind: inConnEvent, userID: remoteID, failed: true})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.mu.RLock()
		sink := e.onTrack
		e.mu.RUnlock()
		if sink != nil {
			sink(remoteID, track)
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go e.keyframeLoop(pc, track)
		}
	})

	conn := &rtcConn{pc: pc, senders: senders}
	// A connection dialed mid-mute starts with its tracks swapped out.
	if e.audioMuted {
		conn.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false)
	}
	if e.videoDisabled {
		conn.SetTrackEnabled(webrtc.RTPCodecTypeVideo, false)
	}
	return conn, nil
}

// keyframeLoop sends periodic PLI requests for one remote video track until
// the connection goes away or the call ends.
func (e *Engine) keyframeLoop(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				log.Printf("CALL: PLI write stopped: %v", err)
				return
			}
		}
	}
}
