package session

import (
	"context"

	"callsy/internal/media"
	"callsy/internal/quality"
	"callsy/internal/signaling"

	"github.com/pion/webrtc/v4"
)

// LinkState is the transport connectivity reported by a PeerLink.
type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkChecking     LinkState = "checking"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// RemoteMedia describes the counterpart's audio. The session surfaces it but
// never owns it; Track is nil for non-pion links.
type RemoteMedia struct {
	StreamID string
	TrackID  string
	Codec    string
	Track    *webrtc.TrackRemote
}

// LinkHandler receives asynchronous link notifications. Callbacks may arrive
// on any goroutine and must not block.
type LinkHandler struct {
	OnLocalCandidate func(signaling.ICECandidate)
	OnRemoteMedia    func(RemoteMedia)
	OnStateChange    func(LinkState)
}

// PeerLink is the peer-to-peer transport a session negotiates.
type PeerLink interface {
	AttachMedia(c media.Capture) error
	// CreateOffer creates and binds the local offer.
	CreateOffer(ctx context.Context) (signaling.Descriptor, error)
	// CreateAnswer binds offer as the remote description, then creates and binds the local answer.
	CreateAnswer(ctx context.Context, offer signaling.Descriptor) (signaling.Descriptor, error)
	SetRemoteDescription(d signaling.Descriptor) error
	AddRemoteCandidate(c signaling.ICECandidate) error
	quality.StatsSource
	Close() error
}

// LinkFactory builds a link wired to h.
type LinkFactory func(h LinkHandler) (PeerLink, error)
