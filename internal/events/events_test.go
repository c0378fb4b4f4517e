package events

import "testing"

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"playback_ended","id":7}`))
	if err != nil || msg.ID != 7 {
		t.Fatalf("ParseClientMessage = %+v, %v", msg, err)
	}
	for _, bad := range []string{`{"type":"hello"}`, `not json`, `{}`} {
		if _, err := ParseClientMessage([]byte(bad)); err == nil {
			t.Fatalf("ParseClientMessage(%s) accepted", bad)
		}
	}
}

func TestFanoutSkipsNilSinks(t *testing.T) {
	var got []Type
	rec := SinkFunc(func(e Event) { got = append(got, e.Type) })
	Fanout{rec, nil, rec}.Publish(Event{Type: TypeNotice})
	if len(got) != 2 {
		t.Fatalf("delivered %d times, want 2", len(got))
	}
}
