package payload

import (
	"errors"
	"testing"
)

func FuzzDecode(f *testing.F) {
	f.Add([]byte(plainFeatures), "")
	f.Add([]byte(`{"status":200,"features":{}}`), "")
	f.Add([]byte(`{"encryptedFeatures":"AAAAAAAAAAAAAAAAAAAAAA==.AAAAAAAAAAAAAAAAAAAAAA=="}`), testKey)
	f.Add([]byte(`{"encryptedFeatures":"."}`), testKey)

	f.Fuzz(func(t *testing.T, raw []byte, key string) {
		features, err := Decode(raw, key)
		if err != nil {
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("error %v does not wrap ErrDecode", err)
			}
			if features != nil {
				t.Fatalf("features returned with error: %v", features)
			}
			return
		}
		if features == nil {
			t.Fatal("nil features without error")
		}
	})
}

func FuzzEncryptDecryptRoundTrip(f *testing.F) {
	f.Add([]byte(`{}`))
	f.Add([]byte(plainFeatures))
	f.Add([]byte(""))

	f.Fuzz(func(t *testing.T, plaintext []byte) {
		encrypted, err := Encrypt(plaintext, testKey, testIV)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}

		key, err := ParseKey(testKey)
		if err != nil {
			t.Fatalf("ParseKey() error = %v", err)
		}
		got, err := decrypt(encrypted, key)
		if err != nil {
			t.Fatalf("decrypt() error = %v", err)
		}
		if string(got) != string(plaintext) {
			t.Fatalf("round trip = %q, want %q", got, plaintext)
		}
	})
}
