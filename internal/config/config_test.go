package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8787" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.Workers)
	}
	if cfg.QueueSize != 1000 {
		t.Errorf("QueueSize = %d, want 1000", cfg.QueueSize)
	}
	if cfg.MaxUploadBytes != 8192<<20 {
		t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if cfg.OutputRetention != 24*time.Hour {
		t.Errorf("OutputRetention = %v", cfg.OutputRetention)
	}
	if !cfg.DeleteInputsOnComplete || !cfg.DeleteWorkOnComplete {
		t.Error("delete toggles should default to true")
	}
	if cfg.StorageProvider != "" {
		t.Errorf("StorageProvider = %q, want empty", cfg.StorageProvider)
	}
	if cfg.Brevo.Enabled {
		t.Error("Brevo should default to disabled")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POVERLAY_LISTEN_ADDR", ":9000")
	t.Setenv("POVERLAY_WORKERS", "0")
	t.Setenv("POVERLAY_API_KEYS", "k1, k2 ,")
	t.Setenv("POVERLAY_OUTPUT_RETENTION_HOURS", "1.5")
	t.Setenv("POVERLAY_DELETE_INPUTS_ON_COMPLETE", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Workers != 0 {
		t.Errorf("Workers = %d, want 0 (auto)", cfg.Workers)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "k1" || cfg.APIKeys[1] != "k2" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.OutputRetention != 90*time.Minute {
		t.Errorf("OutputRetention = %v, want 90m", cfg.OutputRetention)
	}
	if cfg.DeleteInputsOnComplete {
		t.Error("DeleteInputsOnComplete should be false")
	}
}

func TestAdminKeysFallBackToAPIKeys(t *testing.T) {
	t.Setenv("POVERLAY_API_KEYS", "shared")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AdminKeys) != 1 || cfg.AdminKeys[0] != "shared" {
		t.Errorf("AdminKeys = %v, want fallback to APIKeys", cfg.AdminKeys)
	}

	t.Setenv("POVERLAY_ADMIN_KEYS", "root")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AdminKeys) != 1 || cfg.AdminKeys[0] != "root" {
		t.Errorf("AdminKeys = %v, want dedicated key", cfg.AdminKeys)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"negative workers", "POVERLAY_WORKERS", "-1"},
		{"non-numeric workers", "POVERLAY_WORKERS", "many"},
		{"zero queue", "POVERLAY_QUEUE_SIZE", "0"},
		{"retention too short", "POVERLAY_OUTPUT_RETENTION_HOURS", "0.5"},
		{"bad bool", "POVERLAY_CLEANUP_ENABLED", "maybe"},
		{"unknown provider", "POVERLAY_STORAGE_PROVIDER", "ftp"},
		{"negative rate limit", "POVERLAY_RATE_LIMIT_RPS", "-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load accepted %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoadS3RequiresCredentials(t *testing.T) {
	t.Setenv("POVERLAY_STORAGE_PROVIDER", "s3")
	if _, err := Load(); err == nil {
		t.Fatal("s3 provider without credentials must fail")
	}

	t.Setenv("POVERLAY_S3_ENDPOINT", "accountid.r2.cloudflarestorage.com")
	t.Setenv("POVERLAY_S3_ACCESS_KEY", "ak")
	t.Setenv("POVERLAY_S3_SECRET_KEY", "sk")
	t.Setenv("POVERLAY_S3_BUCKET", "renders")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.S3.Bucket != "renders" || !cfg.S3.UseSSL {
		t.Errorf("S3 = %+v", cfg.S3)
	}
}

func TestLoadBrevoRequiresSender(t *testing.T) {
	t.Setenv("POVERLAY_BREVO_ENABLED", "true")
	if _, err := Load(); err == nil {
		t.Fatal("brevo enabled without key and sender must fail")
	}

	t.Setenv("POVERLAY_BREVO_API_KEY", "xkeysib-abc")
	t.Setenv("POVERLAY_BREVO_SENDER_EMAIL", "renders@example.com")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Brevo.SenderName != "POVerlay" {
		t.Errorf("SenderName = %q, want default", cfg.Brevo.SenderName)
	}
}
