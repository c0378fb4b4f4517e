package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/mediadevices/pkg/driver/availability"
)

type fakeSource struct {
	err     error
	streams []*StaticStream
}

func (f *fakeSource) Open(ctx context.Context) (Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	st := NewStaticStream([]image.Image{image.NewRGBA(image.Rect(0, 0, 64, 48))}, time.Millisecond)
	f.streams = append(f.streams, st)
	return st, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionLifecycle(t *testing.T) {
	src := &fakeSource{}
	mock := clock.NewMock()
	s := NewSession(src, mock, 10*time.Second)

	if s.Ticks() != nil {
		t.Fatalf("idle session has a ticker")
	}
	id, err := s.Start(context.Background())
	if err != nil || id == "" {
		t.Fatalf("Start = %q, %v", id, err)
	}
	if again, _ := s.Start(context.Background()); again != id || len(src.streams) != 1 {
		t.Fatalf("second Start reopened the source: id=%q opens=%d", again, len(src.streams))
	}

	waitFor(t, "first frame", func() bool {
		_, ok := s.Latest()
		return ok
	})
	f, _ := s.Latest()
	if f.Width != 64 || f.Height != 48 || f.FrameNum == 0 {
		t.Fatalf("unexpected frame %+v", f)
	}

	ticks := s.Ticks()
	mock.Add(10 * time.Second)
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatalf("no tick after one interval")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !src.streams[0].Closed() {
		t.Fatalf("stream tracks not released on stop")
	}
	if _, ok := s.Latest(); ok {
		t.Fatalf("frame still available after stop")
	}
	if st := s.Status(); st.State != StateIdle || st.SessionID != "" {
		t.Fatalf("status after stop = %+v", st)
	}
	if s.Ticks() != nil {
		t.Fatalf("ticker survived stop")
	}

	// A new start gets a fresh session ID.
	id2, err := s.Start(context.Background())
	if err != nil || id2 == id {
		t.Fatalf("restart = %q, %v (previous %q)", id2, err, id)
	}
	s.Stop()
}

func TestSessionStartFailure(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("open /dev/video0: %w", syscall.EACCES)}
	s := NewSession(src, clock.NewMock(), time.Second)

	if _, err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	st := s.Status()
	if st.State != StateError || st.Category != CategoryPermissionDenied || st.Message == "" {
		t.Fatalf("status = %+v", st)
	}
	if s.Ticks() != nil {
		t.Fatalf("ticker started despite failure")
	}

	// Explicit retry after the cause is fixed.
	src.err = nil
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st := s.Status(); st.State != StateActive || st.Category != CategoryNone {
		t.Fatalf("status after retry = %+v", st)
	}
	s.Stop()
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{fmt.Errorf("wrap: %w", os.ErrPermission), CategoryPermissionDenied},
		{errors.New("open /dev/video0: permission denied"), CategoryPermissionDenied},
		{fmt.Errorf("open: %w", syscall.EBUSY), CategoryDeviceBusy},
		{errors.New("VIDIOC_STREAMON: device or resource busy"), CategoryDeviceBusy},
		{availability.ErrNoDevice, CategoryUnsupported},
		{errors.New("failed to find the best driver that fits the constraints"), CategoryUnsupported},
		{errors.New("something odd"), CategoryUnknown},
		{nil, CategoryNone},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestDirectorySourceRequiresImages(t *testing.T) {
	_, err := NewDirectorySource(t.TempDir(), 5).Open(context.Background())
	if Classify(err) != CategoryUnsupported {
		t.Fatalf("empty directory err = %v", err)
	}
}
