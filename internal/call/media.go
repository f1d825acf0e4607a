package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// localMedia holds the shared local capture for the whole call. The same
// tracks are attached to every peer connection; capture is released only
// when the call ends, not when an individual peer leaves.
type localMedia struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
}

// Close stops every captured track. Safe on a capture-less localMedia.
func (m *localMedia) Close() {
	if m.stream == nil {
		return
	}
	for _, t := range m.stream.GetTracks() {
		_ = t.Close()
	}
	m.stream = nil
	log.Printf("CALL: local media released")
}

// newPeerConnection builds one pion PeerConnection with this call's codecs
// and local tracks attached, or receive-only transceivers when there is no
// capture, so SDP always carries valid m-lines. The returned senders pair
// each RTPSender with its track so mute can swap the track out and back.
func (m *localMedia) newPeerConnection(iceServers []string) (*webrtc.PeerConnection, []localSender, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if m.selector != nil {
		m.selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, nil, err
	}

	if m.stream != nil {
		var senders []localSender
		for _, track := range m.stream.GetTracks() {
			s, err := pc.AddTrack(track)
			if err != nil {
				log.Printf("CALL: AddTrack error: %v", err)
				continue
			}
			senders = append(senders, localSender{sender: s, track: track})
		}
		return pc, senders, nil
	}

	addRecvOnlyTransceivers(pc)
	return pc, nil, nil
}

func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL: AddTransceiver(%s) error: %v", kind, err)
		}
	}
}
