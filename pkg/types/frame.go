package types

import (
	"image"
	"time"
)

// Frame is one decoded picture read from the active camera stream.
type Frame struct {
	Image     image.Image // Decoded frame, owned by the reader until Release
	Timestamp time.Time   // Capture timestamp
	FrameNum  uint64      // Sequential frame number within the session
	Width     int         // Frame width in source pixels
	Height    int         // Frame height in source pixels
}

// Size is a width/height pair in pixels.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// SampledFrame is a downscaled, encoded frame ready to send to the detection service.
type SampledFrame struct {
	DataURI   string    // data:image/jpeg;base64,...
	Source    Size      // Dimensions of the original camera frame
	Encoded   Size      // Dimensions of the encoded frame (416x416 by default)
	Timestamp time.Time // Capture timestamp of the source frame
	FrameNum  uint64
	Bytes     int // Size of the JPEG payload before base64
}
