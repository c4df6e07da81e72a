package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

type fakeCapture struct{ closed int }

func (c *fakeCapture) Tracks() []webrtc.TrackLocal { return nil }
func (c *fakeCapture) Close() error                { c.closed++; return nil }

type fakeSource struct {
	err    error
	opened []*fakeCapture
}

func (s *fakeSource) Open(ctx context.Context) (Capture, error) {
	if s.err != nil {
		return nil, s.err
	}
	c := &fakeCapture{}
	s.opened = append(s.opened, c)
	return c, nil
}

func TestDeviceIsExclusive(t *testing.T) {
	src := &fakeSource{}
	d := NewDevice(src)

	c1, err := d.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := d.Acquire(context.Background()); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}
	if !d.InUse() {
		t.Fatalf("expected device in use")
	}

	_ = c1.Close()
	_ = c1.Close()
	if src.opened[0].closed != 1 {
		t.Fatalf("underlying capture closed %d times", src.opened[0].closed)
	}
	if d.InUse() {
		t.Fatalf("expected device released")
	}

	c2, err := d.Acquire(context.Background())
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	// A stale handle must not release the new holder.
	_ = c1.Close()
	if !d.InUse() {
		t.Fatalf("stale close released the device")
	}
	_ = c2.Close()
}

func TestDevicePermissionDenied(t *testing.T) {
	d := NewDevice(&fakeSource{err: ErrPermissionDenied})
	if _, err := d.Acquire(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if d.InUse() {
		t.Fatalf("failed open must not hold the device")
	}
	if _, err := NewDevice(nil).Acquire(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for nil source, got %v", err)
	}
}

func TestRegisterCodecs(t *testing.T) {
	if testing.Short() {
		t.Skip("codec registration touches native encoders")
	}
	me := &webrtc.MediaEngine{}
	if err := RegisterCodecs(me); err != nil {
		t.Skipf("codecs unavailable: %v", err)
	}
}
