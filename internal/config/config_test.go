package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadMissingFileReturnsDefaults tests the missing-file fallback
func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load of missing file failed: %v", err)
	}
	if cfg.Loop.Backend != "ioctl" {
		t.Errorf("Default loop backend %q, expected ioctl", cfg.Loop.Backend)
	}
	if cfg.Auth.PassphraseAttempts != 3 {
		t.Errorf("Default passphrase attempts %d, expected 3", cfg.Auth.PassphraseAttempts)
	}
	if !cfg.Mount.Fsck {
		t.Error("Default fsck disabled")
	}
	if cfg.Mount.Discard != "loop" {
		t.Errorf("Default discard %q, expected loop", cfg.Mount.Discard)
	}
}

// TestLoadMergesOverDefaults tests that a partial file keeps the
// defaults it doesn't mention
func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	partial := `{"loop": {"backend": "udisks"}, "auth": {"passphrase_attempts": 5}}`
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Loop.Backend != "udisks" {
		t.Errorf("Loop backend %q, expected udisks", cfg.Loop.Backend)
	}
	if cfg.Auth.PassphraseAttempts != 5 {
		t.Errorf("Passphrase attempts %d, expected 5", cfg.Auth.PassphraseAttempts)
	}
	if cfg.Mount.Discard != "loop" {
		t.Errorf("Discard %q, expected default loop", cfg.Mount.Discard)
	}
}

// TestLoadRejectsBadValues tests config validation
func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad backend", `{"loop": {"backend": "nbd"}}`},
		{"bad discard", `{"mount": {"discard": "sometimes"}}`},
		{"zero attempts", `{"auth": {"passphrase_attempts": 0}}`},
		{"malformed json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tc.body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load accepted %s", tc.name)
			}
		})
	}
}

// TestSaveRoundTrip tests Save followed by Load
func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Loop.Backend = "udisks"
	cfg.Tools.Cryptsetup = "/opt/sbin/cryptsetup"
	cfg.LogLevel = "debug"

	path := filepath.Join(t.TempDir(), "sub", "config.json")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save failed: %v", err)
	}
	if loaded.Loop.Backend != "udisks" || loaded.Tools.Cryptsetup != "/opt/sbin/cryptsetup" || loaded.LogLevel != "debug" {
		t.Errorf("Round trip lost values: %+v", loaded)
	}
}
