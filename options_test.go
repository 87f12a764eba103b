package catlock

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// ============================================================================
// Unit Tests for options.go
// ============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ChunkSize != 100 {
		t.Errorf("ChunkSize: expected 100, got %d", cfg.ChunkSize)
	}
	if cfg.AcquireRetries != 3 {
		t.Errorf("AcquireRetries: expected 3, got %d", cfg.AcquireRetries)
	}
	if cfg.CompletionReleaseTimeout != 15*time.Second {
		t.Errorf("CompletionReleaseTimeout: expected 15s, got %v", cfg.CompletionReleaseTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestWithChunkSize(t *testing.T) {
	cfg := ApplyOptions(WithChunkSize(25))
	if cfg.ChunkSize != 25 {
		t.Errorf("expected 25, got %d", cfg.ChunkSize)
	}
}

func TestWithAcquireRetries(t *testing.T) {
	cfg := ApplyOptions(WithAcquireRetries(0))
	if cfg.AcquireRetries != 0 {
		t.Errorf("expected 0, got %d", cfg.AcquireRetries)
	}
}

func TestWithCompletionReleaseTimeout(t *testing.T) {
	cfg := ApplyOptions(WithCompletionReleaseTimeout(time.Minute))
	if cfg.CompletionReleaseTimeout != time.Minute {
		t.Errorf("expected 1m, got %v", cfg.CompletionReleaseTimeout)
	}
}

func TestApplyOptions_LaterOptionWins(t *testing.T) {
	cfg := ApplyOptions(WithChunkSize(10), WithChunkSize(20))
	if cfg.ChunkSize != 20 {
		t.Errorf("expected 20, got %d", cfg.ChunkSize)
	}
	if cfg.AcquireRetries != 3 {
		t.Errorf("untouched fields keep their defaults, got AcquireRetries=%d", cfg.AcquireRetries)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero chunk size", WithChunkSize(0)},
		{"negative chunk size", WithChunkSize(-1)},
		{"negative retries", WithAcquireRetries(-1)},
		{"zero release timeout", WithCompletionReleaseTimeout(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ApplyOptions(tt.opt)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

// Property: any positive chunk size, non-negative retry count and positive
// timeout form a valid configuration.
func TestProperty_PositiveConfigIsValid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := ApplyOptions(
			WithChunkSize(rapid.IntRange(1, 1000).Draw(t, "chunk")),
			WithAcquireRetries(rapid.IntRange(0, 10).Draw(t, "retries")),
			WithCompletionReleaseTimeout(time.Duration(rapid.Int64Range(1, int64(time.Hour)).Draw(t, "timeout"))),
		)
		if err := cfg.Validate(); err != nil {
			t.Fatalf("expected valid config, got %v", err)
		}
	})
}
