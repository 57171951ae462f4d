package protocol

import (
	"errors"
	"testing"
)

func TestPeekMatchesDecode(t *testing.T) {
	f := NewMessageFactory("007E4A2B-0000-4000-8000-000000000001", "phone")
	ciphertext, nonce, tag := sealedFixture(32)
	env := f.CreateClipboard("c7bd3f0e-5a1e-4f7a-9e7c-1d2f3a4b5c6d", ContentLink, ciphertext, nonce, tag)
	frame, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}

	h, err := Peek(frame)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if h.ID != env.ID || h.Type != MsgClipboard || h.ContentType != ContentLink {
		t.Fatalf("unexpected header %+v", h)
	}
	if h.Sender != env.Payload.DeviceID || h.Target != env.Payload.Target {
		t.Fatalf("sender/target mismatch: %+v", h)
	}
}

func TestPeekControl(t *testing.T) {
	hb := NewMessageFactory("dev-a", "").CreateHeartbeat()
	frame, _ := Encode(hb)
	h, err := Peek(frame)
	if err != nil {
		t.Fatal(err)
	}
	if h.Action != ActionHeartbeat || h.Target != "" {
		t.Fatalf("unexpected header %+v", h)
	}
}

func TestPeekRejectsMissingEncryption(t *testing.T) {
	body := []byte(`{"id":"9b2e5a34-6f0c-4a55-8d1e-2c3b4a5d6e7f","type":"clipboard","payload":{"device_id":"a","content_type":"text","ciphertext":"aGk="}}`)
	if _, err := PeekBody(body); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	body = []byte(`{"id":"9b2e5a34-6f0c-4a55-8d1e-2c3b4a5d6e7f","type":"clipboard","payload":{"device_id":"a","content_type":"text","ciphertext":"aGk=","encryption":{"algorithm":"AES-256-GCM","nonce":"!!","tag":""}}}`)
	if _, err := PeekBody(body); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for bad base64, got %v", err)
	}
}

func TestControlError(t *testing.T) {
	f := NewMessageFactory("relay", "")
	env := f.CreateRoutingError("dev-b", "orig", CodeDeviceNotConnected, "not connected")
	e := ControlError(env)
	if e == nil || e.Code != CodeDeviceNotConnected || e.Context != "dev-b" {
		t.Fatalf("unexpected control error %+v", e)
	}
	if ControlError(f.CreateHeartbeat()) != nil {
		t.Fatal("heartbeat is not an error")
	}
}
