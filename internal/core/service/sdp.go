package service

import (
	"github.com/pion/sdp/v3"
)

// offerHasVideo reports whether an offer proposes to send video.
// Unparseable SDP counts as audio-only; the peer connection will reject it
// later anyway.
func offerHasVideo(raw string) bool {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return false
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" || md.MediaName.Port.Value == 0 {
			continue
		}
		if _, inactive := md.Attribute("inactive"); inactive {
			continue
		}
		if _, recvOnly := md.Attribute("recvonly"); recvOnly {
			continue
		}
		return true
	}
	return false
}
