package camera

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pion/mediadevices"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/multierr"
)

// Source opens a media stream.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields frames until closed. ReadFrame blocks for the next frame;
// release must be called once the image is no longer used.
type Stream interface {
	ReadFrame() (img image.Image, release func(), err error)
	// Close stops every track of the stream.
	Close() error
}

// WebcamConfig selects a capture device.
type WebcamConfig struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate float64
}

// WebcamSource captures from a local camera through mediadevices.
type WebcamSource struct {
	conf WebcamConfig
}

var initDrivers sync.Once

// NewWebcamSource returns a source for conf.
func NewWebcamSource(conf WebcamConfig) *WebcamSource {
	return &WebcamSource{conf: conf}
}

func (s *WebcamSource) constraints() mediadevices.MediaStreamConstraints {
	conf := s.conf
	return mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if conf.DeviceID != "" {
				c.DeviceID = prop.StringExact(conf.DeviceID)
			}
			if conf.Width > 0 {
				c.Width = prop.IntRanged{Min: 0, Ideal: conf.Width, Max: 4096}
			}
			if conf.Height > 0 {
				c.Height = prop.IntRanged{Min: 0, Ideal: conf.Height, Max: 2160}
			}
			if conf.FrameRate > 0 {
				c.FrameRate = prop.FloatRanged{Min: 0, Ideal: float32(conf.FrameRate), Max: 120}
			}
		},
	}
}

// Open requests the device. A partially opened stream is closed before returning an error.
func (s *WebcamSource) Open(ctx context.Context) (Stream, error) {
	initDrivers.Do(mediadevicescamera.Initialize)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms, err := mediadevices.GetUserMedia(s.constraints())
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	ws := &webcamStream{tracks: ms.GetTracks()}

	videoTracks := ms.GetVideoTracks()
	if len(videoTracks) == 0 {
		return nil, multierr.Append(fmt.Errorf("%w: stream has no video track", ErrUnsupported), ws.Close())
	}
	vt, ok := videoTracks[0].(*mediadevices.VideoTrack)
	if !ok {
		return nil, multierr.Append(fmt.Errorf("%w: unexpected track type %T", ErrUnsupported, videoTracks[0]), ws.Close())
	}
	ws.reader = vt.NewReader(false)
	return ws, nil
}

type webcamStream struct {
	tracks []mediadevices.Track
	reader video.Reader
	once   sync.Once
	err    error
}

func (w *webcamStream) ReadFrame() (image.Image, func(), error) {
	return w.reader.Read()
}

func (w *webcamStream) Close() error {
	w.once.Do(func() {
		for _, t := range w.tracks {
			w.err = multierr.Append(w.err, t.Close())
		}
	})
	return w.err
}

// DirectorySource replays the still images of a directory in name order,
// looping forever. It stands in for a camera on headless hosts.
type DirectorySource struct {
	dir      string
	interval time.Duration
}

// NewDirectorySource paces frames at fps (default 5).
func NewDirectorySource(dir string, fps float64) *DirectorySource {
	if fps <= 0 {
		fps = 5
	}
	return &DirectorySource{dir: dir, interval: time.Duration(float64(time.Second) / fps)}
}

var imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff"}

// Open loads every image up front so a bad file surfaces at start.
func (s *DirectorySource) Open(ctx context.Context) (Stream, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open frame directory: %w", err)
	}
	var frames []image.Image
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		img, err := imaging.Open(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", e.Name(), err)
		}
		frames = append(frames, img)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrUnsupported, s.dir)
	}
	return NewStaticStream(frames, s.interval), nil
}

// StaticStream cycles through a fixed set of images.
type StaticStream struct {
	frames   []image.Image
	interval time.Duration
	next     int
	closed   chan struct{}
	once     sync.Once
}

// NewStaticStream returns a stream over frames, one every interval.
func NewStaticStream(frames []image.Image, interval time.Duration) *StaticStream {
	return &StaticStream{frames: frames, interval: interval, closed: make(chan struct{})}
}

// ReadFrame waits for the next frame slot.
func (s *StaticStream) ReadFrame() (image.Image, func(), error) {
	if s.next > 0 && s.interval > 0 {
		select {
		case <-s.closed:
			return nil, nil, ErrStreamClosed
		case <-time.After(s.interval):
		}
	}
	select {
	case <-s.closed:
		return nil, nil, ErrStreamClosed
	default:
	}
	img := s.frames[s.next%len(s.frames)]
	s.next++
	return img, func() {}, nil
}

// Close stops the stream.
func (s *StaticStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *StaticStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
