package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.OllamaHost != defaultOllamaHost {
		t.Errorf("host = %q, want %q", cfg.OllamaHost, defaultOllamaHost)
	}
	if cfg.Port != defaultPort {
		t.Errorf("port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("db = %q, want %q", cfg.DBPath, defaultDBPath)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "http://upstream:1234")
	t.Setenv("SECTORFLUX_PORT", "9001")
	t.Setenv("SECTORFLUX_DB", "/tmp/sf.db")

	cfg := Load()
	if cfg.OllamaHost != "http://upstream:1234" {
		t.Errorf("host = %q", cfg.OllamaHost)
	}
	if cfg.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Port)
	}
	if cfg.DBPath != "/tmp/sf.db" {
		t.Errorf("db = %q", cfg.DBPath)
	}
}

func TestLoad_InvalidPortFallsBackToDefault(t *testing.T) {
	t.Setenv("SECTORFLUX_PORT", "not-a-number")
	if cfg := Load(); cfg.Port != defaultPort {
		t.Errorf("port = %d, want default %d", cfg.Port, defaultPort)
	}

	t.Setenv("SECTORFLUX_PORT", "70000")
	if cfg := Load(); cfg.Port != defaultPort {
		t.Errorf("port = %d, want default %d for out-of-range value", cfg.Port, defaultPort)
	}
}
