package protocol

import (
	"errors"
	"testing"

	"github.com/chaz8081/blelink/internal/ble"
)

func TestDelimitedFrames(t *testing.T) {
	tests := []struct {
		name      string
		d         Delimited
		payload   string
		frameSize int
		want      []string
	}{
		{"text fits", TextFrame, "hello", 20, []string{"Shello;"}},
		{"command", CommandFrame, "$0", 20, []string{"$0;"}},
		{"split at word", TextFrame, "hello brave new world", 10, []string{"Shello ", "brave new ", "world;"}},
		{"default size", TextFrame, "hi", 0, []string{"Shi;"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := tt.d.Frames(tt.payload, tt.frameSize)
			if len(frames) != len(tt.want) {
				t.Fatalf("got %d frames %q, want %d", len(frames), frames, len(tt.want))
			}
			for i, f := range frames {
				if string(f) != tt.want[i] {
					t.Errorf("frame[%d] = %q, want %q", i, f, tt.want[i])
				}
			}
		})
	}
}

func TestDelimitedStrip(t *testing.T) {
	got, err := TextFrame.Strip([]byte("Sok;"))
	if err != nil {
		t.Fatalf("Strip() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("Strip() = %q, want %q", got, "ok")
	}

	if _, err := TextFrame.Strip([]byte("Sok")); err == nil {
		t.Error("Strip() of unterminated message should fail")
	}

	plain := Delimited{}
	if plain.Complete(nil) {
		t.Error("empty payload should not be complete")
	}
	if got, _ := plain.Strip([]byte("raw")); got != "raw" {
		t.Errorf("Strip() = %q, want %q", got, "raw")
	}
}

func TestTextRequest(t *testing.T) {
	req := TextRequest("ffe1", TextFrame, "hello", 20)
	if req.Mode != ble.ModeWrite || !req.WriteNeedsAck || !req.WaitsForResponse {
		t.Errorf("unexpected request flags: %+v", req)
	}
	if len(req.Frames) != 1 || string(req.Frames[0]) != "Shello;" {
		t.Errorf("Frames = %q", req.Frames)
	}
}

func TestTextResponse(t *testing.T) {
	decode := TextResponse(CommandFrame)

	if _, err := decode(nil, []byte("12")); !errors.Is(err, ble.ErrIncomplete) {
		t.Errorf("partial reply error = %v, want ErrIncomplete", err)
	}
	got, err := decode(nil, []byte("1234;"))
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	if got != "1234" {
		t.Errorf("decode() = %v, want 1234", got)
	}
}

func TestHexResponse(t *testing.T) {
	got, err := HexResponse(nil, []byte{0xde, 0xad, 0x01})
	if err != nil {
		t.Fatalf("HexResponse() error = %v", err)
	}
	if got != "dead01" {
		t.Errorf("HexResponse() = %v, want dead01", got)
	}
}
