package queue

import (
	"testing"
	"time"
)

func TestBackoffFor(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, 5 * time.Minute}, // capped
	}
	for _, c := range cases {
		if got := backoffFor(c.attempts); got != c.want {
			t.Errorf("backoffFor(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}
}

func TestChannelName(t *testing.T) {
	if got := channelName("generate"); got != "mediaforge:queue:generate" {
		t.Errorf("channelName = %q", got)
	}
}
