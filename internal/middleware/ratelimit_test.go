package middleware

import (
	"strconv"
	"sync"
	"testing"
)

func TestFailureLimiterBudget(t *testing.T) {
	tests := []struct {
		name         string
		maxPerMinute int
		failures     int
		wantBlocked  bool
	}{
		{name: "no failures", maxPerMinute: 3, failures: 0, wantBlocked: false},
		{name: "within budget", maxPerMinute: 3, failures: 2, wantBlocked: false},
		{name: "budget spent", maxPerMinute: 3, failures: 3, wantBlocked: true},
		{name: "default budget spent", maxPerMinute: 0, failures: DefaultMaxAttemptsPerMinute, wantBlocked: true},
		{name: "default budget partly spent", maxPerMinute: 0, failures: DefaultMaxAttemptsPerMinute - 1, wantBlocked: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewFailureLimiter(tt.maxPerMinute)
			for i := range tt.failures {
				if !l.RecordFailure("10.0.0.1") {
					t.Fatalf("failure %d reported over budget", i+1)
				}
			}
			if got := l.Blocked("10.0.0.1"); got != tt.wantBlocked {
				t.Fatalf("Blocked() = %v, want %v", got, tt.wantBlocked)
			}
		})
	}
}

func TestFailureLimiterOverBudgetFailure(t *testing.T) {
	l := NewFailureLimiter(1)
	if !l.RecordFailure("10.0.0.1") {
		t.Fatal("first failure should be within budget")
	}
	if l.RecordFailure("10.0.0.1") {
		t.Fatal("second failure should exceed a budget of one")
	}
}

func TestFailureLimiterClientsAreIndependent(t *testing.T) {
	l := NewFailureLimiter(2)
	l.RecordFailure("10.0.0.1")
	l.RecordFailure("10.0.0.1")

	if !l.Blocked("10.0.0.1") {
		t.Fatal("10.0.0.1 should be blocked after spending its budget")
	}
	if l.Blocked("10.0.0.2") {
		t.Fatal("10.0.0.2 has no failures and should not be blocked")
	}
	if got := l.Tracked(); got != 1 {
		t.Fatalf("Tracked() = %d, want 1", got)
	}
}

func TestFailureLimiterForgetsLeastRecentClient(t *testing.T) {
	l := newFailureLimiter(1, 3)
	for _, client := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		l.RecordFailure(client)
	}
	// Touching 1.1.1.1 makes 2.2.2.2 the least recently failing client.
	l.RecordFailure("1.1.1.1")
	l.RecordFailure("4.4.4.4")

	if got := l.Tracked(); got != 3 {
		t.Fatalf("Tracked() = %d, want 3", got)
	}
	if l.Blocked("2.2.2.2") {
		t.Fatal("evicted client should start with a fresh budget")
	}
	if !l.Blocked("1.1.1.1") {
		t.Fatal("recently failing client should still be blocked")
	}
}

func TestFailureLimiterConcurrentFailures(t *testing.T) {
	const budget = 20
	l := NewFailureLimiter(budget)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := l.RecordFailure("10.0.0.1")
			_ = l.RecordFailure("client-" + strconv.Itoa(i))
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != budget {
		t.Fatalf("allowed failures = %d, want exactly %d", allowed, budget)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
		{"", ""},
	}
	for _, tt := range tests {
		got := ExtractIP(tt.input)
		if got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
