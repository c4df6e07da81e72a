//go:build linux

package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

var (
	selectorOnce sync.Once
	selector     *mediadevices.CodecSelector
	selectorErr  error
)

// codecSelector is shared between capture and the media engine so the
// negotiated payload types match the encoder.
func codecSelector() (*mediadevices.CodecSelector, error) {
	selectorOnce.Do(func() {
		opusParams, err := opus.NewParams()
		if err != nil {
			selectorErr = err
			return
		}
		selector = mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))
	})
	return selector, selectorErr
}

// RegisterCodecs populates me with the Opus encoder used for capture.
func RegisterCodecs(me *webrtc.MediaEngine) error {
	sel, err := codecSelector()
	if err != nil {
		return err
	}
	sel.Populate(me)
	return nil
}

// Microphone captures the default input via malgo.
type Microphone struct {
	log *slog.Logger
}

func NewMicrophone(log *slog.Logger) *Microphone {
	if log == nil {
		log = slog.Default()
	}
	return &Microphone{log: log}
}

func (m *Microphone) Open(ctx context.Context) (Capture, error) {
	sel, err := codecSelector()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: sel,
	})
	if err != nil {
		m.log.Warn("microphone_open_failed", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track", ErrPermissionDenied)
	}
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				m.log.Warn("microphone_track_ended", "err", err)
			}
		})
	}
	return &trackCapture{tracks: tracks}, nil
}

type trackCapture struct {
	tracks []mediadevices.Track
}

func (c *trackCapture) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(c.tracks))
	for _, t := range c.tracks {
		out = append(out, t)
	}
	return out
}

func (c *trackCapture) Close() error {
	var first error
	for _, t := range c.tracks {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
