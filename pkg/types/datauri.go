package types

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrDataURI is returned for malformed data URIs.
var ErrDataURI = errors.New("malformed data uri")

// EncodeDataURI builds a base64 data URI, e.g. data:image/jpeg;base64,....
func EncodeDataURI(mime string, data []byte) string {
	var b strings.Builder
	b.Grow(len(mime) + 13 + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(mime)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

// DecodeDataURI returns the media type and payload of a base64 data URI.
func DecodeDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing data: prefix", ErrDataURI)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload", ErrDataURI)
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("%w: only base64 payloads are supported", ErrDataURI)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDataURI, err)
	}
	return mime, data, nil
}
