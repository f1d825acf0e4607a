//go:build !linux || !cgo

package call

import "log"

// captureMedia is receive-only off Linux: camera/mic capture through
// pion/mediadevices needs the platform drivers (V4L2/malgo) that are only
// wired up in the linux build.
func captureMedia() *localMedia {
	log.Printf("CALL: no local capture on this platform — receive-only")
	return &localMedia{}
}
