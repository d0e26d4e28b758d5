package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cloudplow.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

const minimalValidConfig = `
core:
  engine_binary_path: /usr/bin/rclone
  state_dir: /var/lib/cloudplow
rc:
  url: http://localhost:5572
policy:
  retry_partial_stage_failures: false
uploaders:
  gdrive:
    local_path: /data/media
    remote_path: gdrive:backup
    credential_path: /etc/cloudplow/sa
`

func TestLoad_MinimalValid(t *testing.T) {
	path := writeConfig(t, minimalValidConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.QuotaCapBytesResolved != DefaultQuotaCapBytes {
		t.Errorf("expected default quota cap, got %d", cfg.QuotaCapBytesResolved)
	}
	u, ok := cfg.Uploaders["gdrive"]
	if !ok {
		t.Fatal("expected uploader gdrive to be present")
	}
	if u.MaxStages != 10 {
		t.Errorf("expected default max_stages 10, got %d", u.MaxStages)
	}
	if u.Schedule != "@daily" {
		t.Errorf("expected default schedule @daily, got %q", u.Schedule)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging level/format, got %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoad_MissingPolicyIsFatal(t *testing.T) {
	body := `
core:
  engine_binary_path: /usr/bin/rclone
  state_dir: /var/lib/cloudplow
rc:
  url: http://localhost:5572
uploaders:
  gdrive:
    local_path: /data/media
    remote_path: gdrive:backup
    credential_path: /etc/cloudplow/sa
`
	path := writeConfig(t, body)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing policy.retry_partial_stage_failures")
	}
}

func TestLoad_NoUploadersIsFatal(t *testing.T) {
	body := `
core:
  engine_binary_path: /usr/bin/rclone
  state_dir: /var/lib/cloudplow
rc:
  url: http://localhost:5572
policy:
  retry_partial_stage_failures: true
`
	path := writeConfig(t, body)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for zero uploaders")
	}
}

func TestLoad_ChunkedUploadRequiresChunkSize(t *testing.T) {
	body := `
core:
  engine_binary_path: /usr/bin/rclone
  state_dir: /var/lib/cloudplow
rc:
  url: http://localhost:5572
policy:
  retry_partial_stage_failures: true
uploaders:
  gdrive:
    local_path: /data/media
    remote_path: gdrive:backup
    credential_path: /etc/cloudplow/sa
    chunked_upload:
      enabled: true
`
	path := writeConfig(t, body)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for chunked_upload.enabled without chunk_size")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"750gb": 750 * 1024 * 1024 * 1024,
		"1tb":   1024 * 1024 * 1024 * 1024,
		"256mb": 256 * 1024 * 1024,
		"10kb":  10 * 1024,
		"5b":    5,
		"1024":  1024,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSize_Invalid(t *testing.T) {
	if _, err := ParseByteSize(""); err == nil {
		t.Error("expected error for empty string")
	}
	if _, err := ParseByteSize("abc"); err == nil {
		t.Error("expected error for non-numeric string")
	}
}
