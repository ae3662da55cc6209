package repository

import (
	"encoding/json"
	"testing"
)

func TestNormalizeNotifyChannel(t *testing.T) {
	t.Run("defaults when empty", func(t *testing.T) {
		if got := normalizeNotifyChannel(""); got != defaultNotifyChannel {
			t.Fatalf("normalizeNotifyChannel() = %q, want %q", got, defaultNotifyChannel)
		}
	})

	t.Run("trims non-empty values", func(t *testing.T) {
		if got := normalizeNotifyChannel("  custom_payloads  "); got != "custom_payloads" {
			t.Fatalf("normalizeNotifyChannel() = %q, want %q", got, "custom_payloads")
		}
	})
}

func TestChecksum(t *testing.T) {
	// sha256("{}")
	const want = "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	if got := Checksum([]byte("{}")); got != want {
		t.Fatalf("Checksum({}) = %q, want %q", got, want)
	}
	if Checksum([]byte(`{"a":1}`)) == Checksum([]byte(`{"a": 1}`)) {
		t.Fatal("Checksum should distinguish byte-different payloads")
	}
}

func TestMarshalNotifyPayload(t *testing.T) {
	payload, err := marshalNotifyPayload(PayloadRecord{
		Version:  7,
		Body:     []byte(`{"features":{}}`),
		Checksum: "abc",
	})
	if err != nil {
		t.Fatalf("marshalNotifyPayload() error = %v", err)
	}

	var message struct {
		Version  int64  `json:"version"`
		Checksum string `json:"checksum"`
		Body     any    `json:"body"`
	}
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		t.Fatalf("unmarshal notify payload: %v", err)
	}

	if message.Version != 7 || message.Checksum != "abc" {
		t.Fatalf("unexpected notify payload envelope: %+v", message)
	}
	if message.Body != nil {
		t.Fatal("notify payload must not carry the payload body")
	}
}

func TestListenStatement(t *testing.T) {
	if got := listenStatement("variantz_payloads"); got != `LISTEN "variantz_payloads"` {
		t.Fatalf("listenStatement() = %q, want %q", got, `LISTEN "variantz_payloads"`)
	}
}
