package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"callsy/internal/media"
	"callsy/internal/quality"
	"callsy/internal/signaling"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are public STUN servers; no TURN relay is configured by default.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var ErrNoInboundAudio = errors.New("session: no inbound audio stream")

type PionConfig struct {
	ICEServers []string
	// RemoteSink consumes the remote audio track. When nil the link drains
	// RTP itself so receiver statistics keep flowing.
	RemoteSink func(track *webrtc.TrackRemote)
	Log        *slog.Logger
}

// NewPionFactory returns a LinkFactory backed by a pion PeerConnection.
func NewPionFactory(cfg PionConfig) LinkFactory {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return func(h LinkHandler) (PeerLink, error) {
		return newPionLink(cfg, h)
	}
}

type pionLink struct {
	pc  *webrtc.PeerConnection
	cfg PionConfig

	mu       sync.Mutex
	attached bool
}

func newPionLink(cfg PionConfig, h LinkHandler) (*pionLink, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := media.RegisterCodecs(mediaEngine); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: cfg.ICEServers}},
	})
	if err != nil {
		return nil, err
	}
	l := &pionLink{pc: pc, cfg: cfg}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnLocalCandidate == nil {
			return
		}
		j := c.ToJSON()
		h.OnLocalCandidate(signaling.ICECandidate{
			Candidate:        j.Candidate,
			SDPMid:           j.SDPMid,
			SDPMLineIndex:    j.SDPMLineIndex,
			UsernameFragment: j.UsernameFragment,
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if cfg.RemoteSink != nil {
			go cfg.RemoteSink(track)
		} else {
			go drain(track, cfg.Log)
		}
		if h.OnRemoteMedia != nil {
			h.OnRemoteMedia(RemoteMedia{
				StreamID: track.StreamID(),
				TrackID:  track.ID(),
				Codec:    track.Codec().MimeType,
				Track:    track,
			})
		}
	})
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		if h.OnStateChange != nil {
			h.OnStateChange(linkState(st))
		}
	})
	return l, nil
}

func linkState(st webrtc.ICEConnectionState) LinkState {
	switch st {
	case webrtc.ICEConnectionStateChecking:
		return LinkChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return LinkConnected
	case webrtc.ICEConnectionStateDisconnected:
		return LinkDisconnected
	case webrtc.ICEConnectionStateFailed:
		return LinkFailed
	case webrtc.ICEConnectionStateClosed:
		return LinkClosed
	default:
		return LinkNew
	}
}

func drain(track *webrtc.TrackRemote, log *slog.Logger) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("remote_track_read_ended", "track_id", track.ID(), "err", err)
			}
			return
		}
	}
}

func (l *pionLink) AttachMedia(c media.Capture) error {
	for _, t := range c.Tracks() {
		if _, err := l.pc.AddTrack(t); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.attached = true
	l.mu.Unlock()
	return nil
}

// ensureAudioTransceiver keeps the SDP valid when no local track was attached.
func (l *pionLink) ensureAudioTransceiver() error {
	l.mu.Lock()
	attached := l.attached
	l.mu.Unlock()
	if attached || len(l.pc.GetTransceivers()) > 0 {
		return nil
	}
	_, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (l *pionLink) CreateOffer(ctx context.Context) (signaling.Descriptor, error) {
	if err := l.ensureAudioTransceiver(); err != nil {
		return signaling.Descriptor{}, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return signaling.Descriptor{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return signaling.Descriptor{}, err
	}
	return signaling.Descriptor{Type: signaling.DescriptorOffer, SDP: offer.SDP}, nil
}

func (l *pionLink) CreateAnswer(ctx context.Context, offer signaling.Descriptor) (signaling.Descriptor, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return signaling.Descriptor{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.Descriptor{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return signaling.Descriptor{}, err
	}
	return signaling.Descriptor{Type: signaling.DescriptorAnswer, SDP: answer.SDP}, nil
}

func (l *pionLink) SetRemoteDescription(d signaling.Descriptor) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP})
}

func (l *pionLink) AddRemoteCandidate(c signaling.ICECandidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// Stats reads the inbound audio RTP stream.
func (l *pionLink) Stats() (quality.Stats, error) {
	for _, s := range l.pc.GetStats() {
		in, ok := s.(webrtc.InboundRTPStreamStats)
		if !ok || in.Kind != "audio" {
			continue
		}
		return quality.Stats{
			PacketsReceived: uint64(in.PacketsReceived),
			PacketsLost:     int64(in.PacketsLost),
			JitterSeconds:   in.Jitter,
		}, nil
	}
	return quality.Stats{}, ErrNoInboundAudio
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}
