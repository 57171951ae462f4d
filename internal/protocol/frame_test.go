package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func sealedFixture(size int) (ct, nonce, tag []byte) {
	ct = bytes.Repeat([]byte{0xA5}, size)
	nonce = bytes.Repeat([]byte{1}, NonceSize)
	tag = bytes.Repeat([]byte{2}, TagSize)
	return
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := NewMessageFactory("c7bd3f0e-5a1e-4f7a-9e7c-1d2f3a4b5c6d", "laptop")
	sizes := []int{0, 1, 1024, 64 * 1024, 180 * 1024}
	types := []ContentType{ContentText, ContentLink, ContentImage, ContentFile}

	for _, ct := range types {
		for _, size := range sizes {
			ciphertext, nonce, tag := sealedFixture(size)
			env := f.CreateClipboard("007E4A2B-0000-4000-8000-000000000001", ct, ciphertext, nonce, tag)

			frame, err := Encode(env)
			if err != nil {
				t.Fatalf("encode %s/%d: %v", ct, size, err)
			}
			if got := binary.BigEndian.Uint32(frame[:4]); int(got) != len(frame)-4 {
				t.Fatalf("length prefix %d, body %d", got, len(frame)-4)
			}
			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("decode %s/%d: %v", ct, size, err)
			}
			if !reflect.DeepEqual(env, got) {
				t.Fatalf("round trip mismatch for %s/%d:\nwant %+v\ngot  %+v", ct, size, env, got)
			}
		}
	}
}

func TestRandomSizesRoundTrip(t *testing.T) {
	seed := time.Now().UnixNano()
	r := rand.New(rand.NewSource(seed))
	f := NewMessageFactory("c7bd3f0e-5a1e-4f7a-9e7c-1d2f3a4b5c6d", "laptop")
	types := []ContentType{ContentText, ContentLink, ContentImage, ContentFile}
	// base64 膨胀 4/3，再留出信封字段的余量
	ceiling := (MaxPayloadSize - 1024) / 4 * 3

	for i := 0; i < 40; i++ {
		size := r.Intn(ceiling + 1)
		if i == 0 {
			size = ceiling
		}
		ciphertext := make([]byte, size)
		r.Read(ciphertext)
		_, nonce, tag := sealedFixture(0)
		ct := types[r.Intn(len(types))]
		env := f.CreateClipboard("007E4A2B-0000-4000-8000-000000000001", ct, ciphertext, nonce, tag)

		frame, err := Encode(env)
		if err != nil {
			t.Fatalf("seed %d: encode %s/%d: %v", seed, ct, size, err)
		}
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("seed %d: decode %s/%d: %v", seed, ct, size, err)
		}
		if !reflect.DeepEqual(env, got) {
			t.Fatalf("seed %d: round trip mismatch for %s/%d", seed, ct, size)
		}
	}

	_, nonce, tag := sealedFixture(0)
	over := f.CreateClipboard("", ContentFile, make([]byte, MaxPayloadSize/4*3+1), nonce, tag)
	if _, err := Encode(over); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("content past the ceiling: got %v, want ErrFrameTooLarge", err)
	}
}

func TestControlRoundTrip(t *testing.T) {
	f := NewMessageFactory("relay-1", "")
	hb := NewMessageFactory("dev-a", "").CreateHeartbeat()
	envs := []*Envelope{
		hb,
		f.CreateHeartbeatAck(hb.ID),
		f.CreateRegisterKey(bytes.Repeat([]byte{7}, 32)),
		f.CreateRoutingError("dev-b", hb.ID.String(), CodeDeviceNotConnected, "target not connected"),
	}
	for _, env := range envs {
		frame, err := Encode(env)
		if err != nil {
			t.Fatalf("encode %s: %v", env.Payload.Action, err)
		}
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("decode %s: %v", env.Payload.Action, err)
		}
		if !reflect.DeepEqual(env, got) {
			t.Fatalf("round trip mismatch for %s", env.Payload.Action)
		}
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	f := NewMessageFactory("dev-a", "")
	ciphertext, nonce, tag := sealedFixture(MaxPayloadSize + 1)
	_, err := Encode(f.CreateClipboard("dev-b", ContentFile, ciphertext, nonce, tag))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	f := NewMessageFactory("dev-a", "")
	ciphertext, nonce, tag := sealedFixture(8)
	good, err := Encode(f.CreateClipboard("dev-b", ContentText, ciphertext, nonce, tag))
	if err != nil {
		t.Fatal(err)
	}

	tooLong := make([]byte, 4)
	binary.BigEndian.PutUint32(tooLong, MaxPayloadSize+1)

	cases := map[string][]byte{
		"empty":          nil,
		"short header":   {0, 0, 1},
		"truncated":      good[:len(good)-5],
		"declared huge":  tooLong,
		"not json":       Frame([]byte("hello")),
		"unknown type":   Frame([]byte(`{"id":"9b2e5a34-6f0c-4a55-8d1e-2c3b4a5d6e7f","timestamp":"2024-01-01T00:00:00Z","version":"1.0","type":"chat","payload":{"device_id":"a","ciphertext":null}}`)),
		"nil id":         Frame([]byte(`{"id":"00000000-0000-0000-0000-000000000000","timestamp":"2024-01-01T00:00:00Z","version":"1.0","type":"control","payload":{"device_id":"a","action":"heartbeat","ciphertext":null}}`)),
		"bad uuid":       Frame([]byte(`{"id":"nope","timestamp":"2024-01-01T00:00:00Z","version":"1.0","type":"control","payload":{"device_id":"a","action":"heartbeat","ciphertext":null}}`)),
		"no encryption":  Frame([]byte(`{"id":"9b2e5a34-6f0c-4a55-8d1e-2c3b4a5d6e7f","timestamp":"2024-01-01T00:00:00Z","version":"1.0","type":"clipboard","payload":{"device_id":"a","content_type":"text","ciphertext":"aGk="}}`)),
		"half encrypted": Frame([]byte(`{"id":"9b2e5a34-6f0c-4a55-8d1e-2c3b4a5d6e7f","timestamp":"2024-01-01T00:00:00Z","version":"1.0","type":"clipboard","payload":{"device_id":"a","content_type":"text","ciphertext":"aGk=","encryption":{"algorithm":"AES-256-GCM","nonce":"AQEBAQEBAQEBAQEB","tag":""}}}`)),
		"short nonce":    Frame([]byte(`{"id":"9b2e5a34-6f0c-4a55-8d1e-2c3b4a5d6e7f","timestamp":"2024-01-01T00:00:00Z","version":"1.0","type":"clipboard","payload":{"device_id":"a","content_type":"text","ciphertext":"aGk=","encryption":{"algorithm":"AES-256-GCM","nonce":"AQE=","tag":"AgICAgICAgICAgICAgICAg=="}}}`)),
		"bad content":    Frame([]byte(`{"id":"9b2e5a34-6f0c-4a55-8d1e-2c3b4a5d6e7f","timestamp":"2024-01-01T00:00:00Z","version":"1.0","type":"clipboard","payload":{"device_id":"a","content_type":"video","ciphertext":"aGk=","encryption":{"algorithm":"AES-256-GCM","nonce":"","tag":""}}}`)),
	}
	for name, frame := range cases {
		if _, err := Decode(frame); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
}

func TestDecodePlaintextEnvelope(t *testing.T) {
	frame := Frame([]byte(`{"id":"9b2e5a34-6f0c-4a55-8d1e-2c3b4a5d6e7f","timestamp":"2024-01-01T00:00:00Z","version":"1.0","type":"clipboard","payload":{"device_id":"a","content_type":"text","ciphertext":"aGk=","encryption":{"algorithm":"AES-256-GCM","nonce":"","tag":""}}}`))
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.Payload.Encryption.Plaintext() {
		t.Fatal("expected plaintext envelope")
	}
	if string(env.Payload.Ciphertext) != "hi" {
		t.Fatalf("unexpected ciphertext %q", env.Payload.Ciphertext)
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		n := rnd.Intn(64)
		buf := make([]byte, n)
		rnd.Read(buf)
		if n >= 4 && i%2 == 0 {
			binary.BigEndian.PutUint32(buf[:4], uint32(n-4))
		}
		_, _ = Decode(buf)
		_, _ = Peek(buf)
	}
}
