// Package sampler converts the latest camera frame into the compact JPEG sent for detection.
package sampler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/vision-alert/alert-server/pkg/types"
)

// ErrNotReady is returned while the stream has not produced a frame yet.
var ErrNotReady = errors.New("no frame available yet")

// FrameSource exposes the most recent frame of a running stream.
type FrameSource interface {
	Latest() (types.Frame, bool)
}

// Options shape the encoded sample.
type Options struct {
	Size    int // square edge in pixels
	Quality int // JPEG quality 1-100
}

// DefaultOptions matches the detection service's expected input.
func DefaultOptions() Options {
	return Options{Size: 416, Quality: 60}
}

// Sampler reads and encodes frames on demand.
type Sampler struct {
	source FrameSource
	opts   Options
}

// New creates a sampler over source.
func New(source FrameSource, opts Options) *Sampler {
	if opts.Size <= 0 {
		opts.Size = DefaultOptions().Size
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultOptions().Quality
	}
	return &Sampler{source: source, opts: opts}
}

// Sample encodes the latest frame. It returns ErrNotReady when none exists.
func (s *Sampler) Sample(ctx context.Context) (types.SampledFrame, error) {
	if err := ctx.Err(); err != nil {
		return types.SampledFrame{}, err
	}
	frame, ok := s.source.Latest()
	if !ok || frame.Image == nil {
		return types.SampledFrame{}, ErrNotReady
	}
	sf, err := Encode(frame.Image, s.opts)
	if err != nil {
		return types.SampledFrame{}, err
	}
	sf.Timestamp = frame.Timestamp
	sf.FrameNum = frame.FrameNum
	return sf, nil
}

// Encode downscales img to a Size x Size square and returns it as a JPEG data URI.
// The aspect ratio is not preserved.
func Encode(img image.Image, opts Options) (types.SampledFrame, error) {
	b := img.Bounds()
	if b.Empty() {
		return types.SampledFrame{}, errors.New("empty image")
	}
	resized := imaging.Resize(img, opts.Size, opts.Size, imaging.Linear)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(opts.Quality)); err != nil {
		return types.SampledFrame{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return types.SampledFrame{
		DataURI: types.EncodeDataURI("image/jpeg", buf.Bytes()),
		Source:  types.Size{Width: b.Dx(), Height: b.Dy()},
		Encoded: types.Size{Width: opts.Size, Height: opts.Size},
		Bytes:   buf.Len(),
	}, nil
}
