package workerreg

import (
	"testing"
	"time"
)

func TestDeriveLiveness(t *testing.T) {
	now := time.Now()
	L := 900 * time.Second

	tests := []struct {
		name       string
		lastSeenAt time.Time
		want       Liveness
	}{
		{"just seen", now, LivenessActive},
		{"within 2L", now.Add(-1 * L), LivenessActive},
		{"past 2L", now.Add(-3 * L), LivenessStale},
		{"past 6L", now.Add(-7 * L), LivenessGone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveLiveness(tt.lastSeenAt, now, L)
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
