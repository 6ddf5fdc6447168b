package gateway

import "testing"

func TestWakeModeClassifiesByPrefix(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"URGENT: server down", "immediate"},
		{"ALERT: disk full", "immediate"},
		{"CRITICAL: key rotation failed", "immediate"},
		{"hey, got a minute?", "deferred"},
		{"urgent: lowercase doesn't count", "deferred"},
		{"", "deferred"},
	}
	for _, c := range cases {
		if got := wakeMode([]byte(c.content)); got != c.want {
			t.Errorf("wakeMode(%q) = %q, want %q", c.content, got, c.want)
		}
	}
}
