//go:build !linux

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// RegisterCodecs registers pion's default codec set; no local encoder exists here.
func RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Microphone has no capture driver outside linux; Open always reports
// ErrPermissionDenied.
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
	m.log.Warn("microphone_unsupported_platform")
	return nil, fmt.Errorf("%w: no capture driver on this platform", ErrPermissionDenied)
}
