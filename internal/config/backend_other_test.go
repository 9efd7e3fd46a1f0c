//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newPlatformBackend()
	if err := b.SetString("backend.base_url", "http://file:9000"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("cache.max_sessions", 33); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	// A fresh backend re-reads the file from disk.
	b2 := newPlatformBackend()
	s, ok, err := b2.GetString("backend.base_url")
	if err != nil || !ok || s != "http://file:9000" {
		t.Errorf("GetString = %q, %v, %v; want the stored value", s, ok, err)
	}
	i, ok, err := b2.GetInt("cache.max_sessions")
	if err != nil || !ok || i != 33 {
		t.Errorf("GetInt = %d, %v, %v; want 33", i, ok, err)
	}

	if err := b2.Delete("backend.base_url"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newPlatformBackend().GetString("backend.base_url"); ok {
		t.Error("deleted key still present after reload")
	}
}

func TestFileBackendMissingKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newPlatformBackend()
	if _, ok, err := b.GetString("backend.base_url"); ok || err != nil {
		t.Errorf("GetString on empty backend = ok=%v err=%v, want absent", ok, err)
	}
	if _, ok, err := b.GetInt("cache.max_sessions"); ok || err != nil {
		t.Errorf("GetInt on empty backend = ok=%v err=%v, want absent", ok, err)
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if err := keychainSet("sesh", "api_token", "s3cret"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet("sesh", "api_token")
	if err != nil {
		t.Fatalf("keychainGet: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("keychainGet = %q, want s3cret", got)
	}

	// The secrets file must not be world readable.
	info, err := os.Stat(filepath.Join(os.Getenv("XDG_DATA_HOME"), "sesh", "secrets.json"))
	if err != nil {
		t.Fatalf("stat secrets file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}

func TestSecretsFileMissingAccount(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if err := keychainSet("sesh", "api_token", "x"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	if _, err := keychainGet("sesh", "other_account"); err == nil {
		t.Error("keychainGet found an account that was never stored")
	}
	if _, err := keychainGet("other_service", "api_token"); err == nil {
		t.Error("keychainGet found a service that was never stored")
	}
}

func TestSetKeySecretGoesToSecretStore(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if err := SetKey("backend.api_token", "rotated"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	got, err := keychainGet("sesh", "api_token")
	if err != nil || got != "rotated" {
		t.Fatalf("keychainGet = %q, %v; want the stored token", got, err)
	}

	// The token must not land in the plain config file.
	if data, err := os.ReadFile(filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "sesh", "config.json")); err == nil {
		if strings.Contains(string(data), "rotated") {
			t.Error("token leaked into the config file")
		}
	}
}
