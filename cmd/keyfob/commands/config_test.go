package commands

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyfob.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server_url = "https://idp.example.com"
realm_name = "test-realm"
client_id = "my-client"
verify = "false"
`)

	cfg, err := loadConfig(path, nil, func() []string { return nil })
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.ServerURL != "https://idp.example.com" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.RealmName != "test-realm" {
		t.Errorf("RealmName = %q", cfg.RealmName)
	}
	if cfg.Verify != "false" {
		t.Errorf("Verify = %q, want false", cfg.Verify)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server_url = "https://file.example.com"
realm_name = "file-realm"
client_id = "my-client"
`)

	environ := func() []string {
		return []string{
			"KEYFOB_SERVER_URL=https://env.example.com",
			"KEYFOB_CLIENT_SECRET=hush",
			"UNRELATED=ignored",
		}
	}

	cfg, err := loadConfig(path, nil, environ)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.ServerURL != "https://env.example.com" {
		t.Errorf("ServerURL = %q, want env value", cfg.ServerURL)
	}
	if cfg.RealmName != "file-realm" {
		t.Errorf("RealmName = %q, want file value", cfg.RealmName)
	}
	if cfg.ClientSecret != "hush" {
		t.Errorf("ClientSecret = %q, want hush", cfg.ClientSecret)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig("/nonexistent/keyfob.toml", nil, func() []string { return nil }); err == nil {
		t.Error("loadConfig() succeeded, want error for missing file")
	}
}
