package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	data map[string]any
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (m *mapBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *mapBackend) Delete(key string) error          { delete(m.data, key); return nil }

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEBUGPARTNER_GEMINI_API_KEY", "test-key")

	cfg, err := loadWith(&mapBackend{data: map[string]any{}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Gemini.Model != "gemini-2.5-flash" {
		t.Errorf("Gemini.Model = %q", cfg.Gemini.Model)
	}
	if cfg.Scheduler.PollInterval != "1s" || cfg.Scheduler.Concurrency != 4 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if !strings.Contains(cfg.Resend.From, "Debug Partner") {
		t.Errorf("Resend.From = %q", cfg.Resend.From)
	}
}

func TestLoad_MissingGeminiKeyFails(t *testing.T) {
	t.Setenv("DEBUGPARTNER_GEMINI_API_KEY", "")

	if _, err := loadWith(&mapBackend{data: map[string]any{}}); err == nil {
		t.Fatal("expected error for missing Gemini API key")
	}
}

func TestLoad_BackendValuesApply(t *testing.T) {
	t.Setenv("DEBUGPARTNER_GEMINI_API_KEY", "test-key")

	cfg, err := loadWith(&mapBackend{data: map[string]any{
		"server.port":             9000,
		"gemini.model":            "gemini-2.0-pro",
		"scheduler.poll_interval": "250ms",
	}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Gemini.Model != "gemini-2.0-pro" {
		t.Errorf("Gemini.Model = %q", cfg.Gemini.Model)
	}
	if cfg.Scheduler.PollInterval != "250ms" {
		t.Errorf("Scheduler.PollInterval = %q", cfg.Scheduler.PollInterval)
	}
}

func TestLoad_EnvOverridesBackend(t *testing.T) {
	t.Setenv("DEBUGPARTNER_GEMINI_API_KEY", "test-key")
	t.Setenv("DEBUGPARTNER_SERVER_PORT", "5000")
	t.Setenv("DEBUGPARTNER_LOG_LEVEL", "debug")

	cfg, err := loadWith(&mapBackend{data: map[string]any{
		"server.port": 9000,
		"log.level":   "warn",
	}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000 (env wins)", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug (env wins)", cfg.Log.Level)
	}
}

func TestLoad_SecretsIgnoredFromBackend(t *testing.T) {
	t.Setenv("DEBUGPARTNER_GEMINI_API_KEY", "env-key")

	cfg, err := loadWith(&mapBackend{data: map[string]any{
		"gemini.api_key": "file-key",
	}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Gemini.APIKey != "env-key" {
		t.Errorf("Gemini.APIKey = %q, want env-key (file secrets ignored)", cfg.Gemini.APIKey)
	}
}

func TestShowAll_OmitsSecrets(t *testing.T) {
	for _, info := range ShowAll(defaults()) {
		if info.Key == "gemini.api_key" || info.Key == "resend.api_key" || info.Key == "server.api_token" {
			t.Errorf("secret key %q exposed by ShowAll", info.Key)
		}
	}
}

func TestEnsureAPIToken(t *testing.T) {
	dir := t.TempDir()

	// Explicit token wins.
	token, err := EnsureAPIToken(dir, "explicit")
	if err != nil || token != "explicit" {
		t.Fatalf("EnsureAPIToken = (%q, %v)", token, err)
	}

	// First run generates and persists.
	generated, err := EnsureAPIToken(dir, "")
	if err != nil {
		t.Fatalf("EnsureAPIToken: %v", err)
	}
	if len(generated) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(generated))
	}
	if _, err := os.Stat(filepath.Join(dir, "api_token")); err != nil {
		t.Errorf("token file not written: %v", err)
	}

	// Second run reads the same token back.
	again, err := EnsureAPIToken(dir, "")
	if err != nil || again != generated {
		t.Errorf("EnsureAPIToken second run = (%q, %v), want %q", again, err, generated)
	}
}

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := &fileBackend{path: path, data: make(map[string]any)}

	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("server.port", 9000); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	// Reload from disk.
	b2 := &fileBackend{path: path, data: make(map[string]any)}
	b2.load()

	if v, ok, err := b2.GetString("log.level"); err != nil || !ok || v != "debug" {
		t.Errorf("GetString = (%q, %v, %v)", v, ok, err)
	}
	if v, ok, err := b2.GetInt("server.port"); err != nil || !ok || v != 9000 {
		t.Errorf("GetInt = (%d, %v, %v)", v, ok, err)
	}

	if err := b2.Delete("log.level"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := b2.GetString("log.level"); ok {
		t.Error("key still present after Delete")
	}
}

func TestSetKey_UnknownAndSecret(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("nope.nope", "v"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := SetKey("gemini.api_key", "v"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := SetKey("log.level", "debug"); err != nil {
		t.Errorf("SetKey(log.level): %v", err)
	}
}
