package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBBoxWireFormat(t *testing.T) {
	d := Detection{Class: "STOP", Confidence: 0.91, BBox: BBox{X: 1, Y: 2, W: 3, H: 4}}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"class":"STOP","confidence":0.91,"bbox":[1,2,3,4]}` {
		t.Fatalf("unexpected wire form %s", b)
	}

	var box BBox
	if err := json.Unmarshal([]byte(`[1,2,3]`), &box); err == nil {
		t.Fatalf("three-value bbox accepted")
	}
}

func TestClassesDistinctInOrder(t *testing.T) {
	dets := []Detection{{Class: "STOP"}, {Class: "RED_LIGHT"}, {Class: "STOP"}}
	if diff := cmp.Diff([]string{"STOP", "RED_LIGHT"}, Classes(dets)); diff != "" {
		t.Fatalf("classes mismatch (-want +got):\n%s", diff)
	}
}

func TestDataURIRoundTrip(t *testing.T) {
	uri := EncodeDataURI("audio/wav", []byte("RIFF"))
	if uri != "data:audio/wav;base64,UklGRg==" {
		t.Fatalf("uri = %s", uri)
	}
	mime, data, err := DecodeDataURI(uri)
	if err != nil || mime != "audio/wav" || string(data) != "RIFF" {
		t.Fatalf("decode = %q %q %v", mime, data, err)
	}

	for _, bad := range []string{"audio/wav;base64,AA", "data:audio/wav,AA", "data:audio/wav;base64"} {
		if _, _, err := DecodeDataURI(bad); !errors.Is(err, ErrDataURI) {
			t.Fatalf("DecodeDataURI(%q) err = %v", bad, err)
		}
	}
}
