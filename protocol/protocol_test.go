package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"serviceId":"Echo","method":"Ping","args":{}}`)

	if err := Encode(&buf, FrameData, body); err != nil {
		t.Fatal(err)
	}

	ft, got, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if ft != FrameData {
		t.Fatalf("expect data frame, got %d", ft)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("expect %s, got %s", body, got)
	}
}

func TestProbeFrameHasNoBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, FrameProbe, nil); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("probe frame should be header only, got %d bytes", buf.Len())
	}

	ft, body, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if ft != FrameProbe {
		t.Fatalf("expect probe frame, got %d", ft)
	}
	if body != nil {
		t.Fatalf("expect nil body, got %v", body)
	}

	// A probe must never carry a payload.
	if err := Encode(&buf, FrameProbe, []byte("x")); err == nil {
		t.Fatal("expect error for probe with body")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, FrameData, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[0] = 'G' // e.g. an HTTP client hitting the wrong port

	if _, _, err := Decode(bytes.NewReader(raw)); err == nil {
		t.Fatal("expect error for bad magic")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, FrameData, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[3] = 0x7f

	if _, _, err := Decode(bytes.NewReader(raw)); err == nil {
		t.Fatal("expect error for bad version")
	}
}

func TestDecodeRejectsBadFrameType(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, FrameData, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[4] = 0x42

	if _, _, err := Decode(bytes.NewReader(raw)); err == nil {
		t.Fatal("expect error for bad frame type")
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, FrameData, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()

	if _, _, err := Decode(bytes.NewReader(raw[:len(raw)-3])); err == nil {
		t.Fatal("expect error for truncated body")
	}
}
