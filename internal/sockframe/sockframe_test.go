package sockframe

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	body := []byte(`{"type":"list_res","content":[]}`)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("got %q, want %q", got, body)
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}
	buf.Write(header)

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversize frame length")
	}
}

func TestReadFrameIgnoresReservedBytes(t *testing.T) {
	body := []byte(`{}`)
	var buf bytes.Buffer
	WriteFrame(&buf, body)

	raw := buf.Bytes()
	// Poison the reserved bytes; ReadFrame must still succeed.
	raw[4], raw[5], raw[6], raw[7] = 1, 2, 3, 4

	got, err := ReadFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("got %q, want %q", got, body)
	}
}
