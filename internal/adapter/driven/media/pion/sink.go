package pion

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// FileSinks records VP8 video to .ivf and Opus audio to .ogg under dir.
// Other codecs are discarded.
func FileSinks(dir string) SinkFactory {
	return func(track *webrtc.TrackRemote) (RemoteSink, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create recording dir: %w", err)
		}
		base := fmt.Sprintf("%s_%s_%d", sanitize(track.StreamID()), track.Kind(), time.Now().Unix())

		mime := track.Codec().MimeType
		switch {
		case strings.EqualFold(mime, webrtc.MimeTypeVP8):
			w, err := ivfwriter.New(filepath.Join(dir, base+".ivf"))
			if err != nil {
				return nil, fmt.Errorf("open ivf writer: %w", err)
			}
			return w, nil
		case strings.EqualFold(mime, webrtc.MimeTypeOpus):
			w, err := oggwriter.New(filepath.Join(dir, base+".ogg"), 48000, 2)
			if err != nil {
				return nil, fmt.Errorf("open ogg writer: %w", err)
			}
			return w, nil
		default:
			return nil, nil
		}
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
