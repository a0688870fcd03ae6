package task

import "testing"

func TestCanRetry(t *testing.T) {
	tests := []struct {
		name        string
		attempt     int
		maxAttempts int
		retryable   bool
		want        bool
	}{
		{"retryable with attempts remaining", 0, 3, true, true},
		{"retryable on last allowed attempt", 2, 3, true, false},
		{"not retryable despite attempts remaining", 0, 3, false, false},
		{"retryable but attempts already exhausted", 5, 3, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := canRetry(tt.attempt, tt.maxAttempts, tt.retryable)
			if got != tt.want {
				t.Fatalf("canRetry(%d, %d, %v) = %v, want %v", tt.attempt, tt.maxAttempts, tt.retryable, got, tt.want)
			}
		})
	}
}
