// Package media owns the local microphone. A process has one capture device
// and at most one session may hold it at a time.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied covers a refused or missing capture device. It is fatal to the attempt.
	ErrPermissionDenied = errors.New("media: microphone permission denied")
	// ErrDeviceBusy means an earlier session has not released the device yet.
	ErrDeviceBusy = errors.New("media: microphone busy")
)

// Capture is live local audio. Close stops the underlying tracks.
type Capture interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Source opens the platform capture device.
type Source interface {
	Open(ctx context.Context) (Capture, error)
}

// Device serialises access to a Source.
type Device struct {
	src Source

	mu   sync.Mutex
	held *heldCapture
}

func NewDevice(src Source) *Device { return &Device{src: src} }

// Acquire opens the source for exclusive use. The returned Capture releases
// the device on Close; closing twice is harmless.
func (d *Device) Acquire(ctx context.Context) (Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held != nil {
		return nil, ErrDeviceBusy
	}
	if d.src == nil {
		return nil, ErrPermissionDenied
	}
	c, err := d.src.Open(ctx)
	if err != nil {
		return nil, err
	}
	h := &heldCapture{dev: d, inner: c}
	d.held = h
	return h, nil
}

// InUse reports whether a capture is currently held.
func (d *Device) InUse() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held != nil
}

func (d *Device) release(h *heldCapture) {
	d.mu.Lock()
	if d.held == h {
		d.held = nil
	}
	d.mu.Unlock()
}

type heldCapture struct {
	dev   *Device
	inner Capture

	once sync.Once
	err  error
}

func (h *heldCapture) Tracks() []webrtc.TrackLocal { return h.inner.Tracks() }

func (h *heldCapture) Close() error {
	h.once.Do(func() {
		h.err = h.inner.Close()
		h.dev.release(h)
	})
	return h.err
}
