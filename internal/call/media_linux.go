//go:build linux && cgo

package call

import (
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

// captureMedia opens the local camera and microphone via pion/mediadevices
// (V4L2 + malgo). GetUserMedia fails as a unit when either track can't open,
// so the attempts go video+audio, then video-only, then audio-only; with no
// capturable device at all the call proceeds receive-only. Never fails hard.
func captureMedia() *localMedia {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		log.Printf("CALL: VP8 params: %v — receive-only", err)
		return &localMedia{}
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		log.Printf("CALL: opus params: %v — receive-only", err)
		return &localMedia{}
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	attempts := []struct {
		video, audio bool
		label        string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only — MJPEG camera nodes can hand the VP8
				// encoder malformed frames and break SDP negotiation.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}
		log.Printf("CALL: local media captured (%s), %d tracks", a.label, len(stream.GetTracks()))
		return &localMedia{stream: stream, selector: selector}
	}

	log.Printf("CALL: no capturable devices — receive-only")
	return &localMedia{}
}
