package http

import (
	"strings"
	"testing"
)

// FuzzErrorMessage ensures error body extraction never panics and only
// trims plain bodies.
func FuzzErrorMessage(f *testing.F) {
	f.Add([]byte(`{"error":"bad"}`))
	f.Add([]byte(`{"error":""}`))
	f.Add([]byte("plain text\n"))
	f.Add([]byte(""))
	f.Add([]byte(`{"error":`))

	f.Fuzz(func(t *testing.T, body []byte) {
		got := errorMessage(body)
		if got != strings.TrimSpace(got) && !strings.Contains(string(body), `"error"`) {
			t.Errorf("errorMessage(%q) = %q, want trimmed", body, got)
		}
	})
}
