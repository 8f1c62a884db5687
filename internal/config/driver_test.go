package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDriverConfig_ExampleFile(t *testing.T) {
	cfg, err := LoadDriverConfig(filepath.Join("..", "..", "configs", "tieredmap.example.yaml"))
	if err != nil {
		t.Fatalf("LoadDriverConfig: %v", err)
	}

	if cfg.Buckets != 4096 {
		t.Errorf("Buckets = %d, want 4096", cfg.Buckets)
	}
	if cfg.FastPct != 20 {
		t.Errorf("FastPct = %d, want 20", cfg.FastPct)
	}
	if cfg.ChunkSizeRaw != 4*1024 {
		t.Errorf("ChunkSizeRaw = %d, want %d", cfg.ChunkSizeRaw, 4*1024)
	}
	if cfg.NumChunks != 8192 {
		t.Errorf("NumChunks = %d, want 8192", cfg.NumChunks)
	}
	if cfg.DiskRateRaw != 16*1024*1024 {
		t.Errorf("DiskRateRaw = %f, want %d", cfg.DiskRateRaw, 16*1024*1024)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want {info text}", cfg.Logging)
	}
}

func TestDefaultDriverConfig(t *testing.T) {
	cfg := DefaultDriverConfig()
	if cfg.Buckets <= 0 || cfg.FastPct < 0 || cfg.FastPct > 100 {
		t.Fatalf("DefaultDriverConfig produced invalid fields: %+v", cfg)
	}
	if cfg.ChunkSizeRaw == 0 {
		t.Fatal("DefaultDriverConfig did not populate ChunkSizeRaw")
	}
	if cfg.DiskRateRaw != 0 {
		t.Fatalf("DefaultDriverConfig should leave disk throttling disabled, got %f", cfg.DiskRateRaw)
	}
}

func TestDriverConfigValidateRejectsBadFastPct(t *testing.T) {
	cfg := &DriverConfig{Buckets: 16, FastPct: 150, ChunkSize: "4kb"}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validate to reject fast_pct > 100")
	}
}

func TestDriverConfigValidateRejectsBadBuckets(t *testing.T) {
	cfg := &DriverConfig{Buckets: 0, FastPct: 10, ChunkSize: "4kb"}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validate to reject non-positive buckets")
	}
}

func TestDriverConfigValidateRejectsBadChunkSize(t *testing.T) {
	cfg := &DriverConfig{Buckets: 16, FastPct: 10, ChunkSize: "not-a-size"}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validate to reject a malformed chunk_size")
	}
}
