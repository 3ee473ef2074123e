package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COWRITE_STORE", "")
	t.Setenv("COWRITE_PRESENCE_TTL_SECONDS", "")
	t.Setenv("REDIS_URL", "")

	cfg := Load()
	if cfg.Store != StorePostgres {
		t.Fatalf("Store = %q, want %q", cfg.Store, StorePostgres)
	}
	if cfg.PresenceTTL != 45*time.Second {
		t.Fatalf("PresenceTTL = %s, want 45s", cfg.PresenceTTL)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL = %q, want empty", cfg.RedisURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COWRITE_STORE", "MEMORY")
	t.Setenv("COWRITE_PRESENCE_TTL_SECONDS", "30")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg := Load()
	if cfg.Store != StoreMemory {
		t.Fatalf("Store = %q, want %q", cfg.Store, StoreMemory)
	}
	if cfg.PresenceTTL != 30*time.Second {
		t.Fatalf("PresenceTTL = %s, want 30s", cfg.PresenceTTL)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("expected MinioUseSSL to be true")
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("COWRITE_PRESENCE_TTL_SECONDS", "soon")
	t.Setenv("MINIO_USE_SSL", "maybe")
	t.Setenv("COWRITE_MUTATION_RATE", "-3")

	cfg := Load()
	if cfg.PresenceTTL != 45*time.Second {
		t.Fatalf("PresenceTTL = %s, want fallback 45s", cfg.PresenceTTL)
	}
	if cfg.MinioUseSSL {
		t.Fatal("expected MinioUseSSL fallback false")
	}
	if cfg.MutationRate != 20 {
		t.Fatalf("MutationRate = %v, want fallback 20", cfg.MutationRate)
	}
}

func TestLoadMutationRateCanBeDisabled(t *testing.T) {
	t.Setenv("COWRITE_MUTATION_RATE", "0")
	t.Setenv("COWRITE_MUTATION_BURST", "5")

	cfg := Load()
	if cfg.MutationRate != 0 || cfg.MutationBurst != 5 {
		t.Fatalf("MutationRate/Burst = %v/%d, want 0/5", cfg.MutationRate, cfg.MutationBurst)
	}
}
