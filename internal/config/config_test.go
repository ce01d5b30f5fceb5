package config

import "testing"

func TestLoadServerConfig_Defaults(t *testing.T) {
	t.Setenv("RELAY_TOKENS", "tok1,tok2")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig() error = %v", err)
	}
	if cfg.Network.Port != 7000 {
		t.Errorf("Network.Port = %d, want 7000", cfg.Network.Port)
	}
	if cfg.Limits.ConnectionTimeout.Seconds() != 300 {
		t.Errorf("Limits.ConnectionTimeout = %v, want 300s", cfg.Limits.ConnectionTimeout)
	}
	if len(cfg.Auth.Tokens) != 2 {
		t.Errorf("Auth.Tokens = %v, want 2 entries", cfg.Auth.Tokens)
	}
}

func TestLoadServerConfig_RequiresTokensWhenAuthRequired(t *testing.T) {
	t.Setenv("RELAY_TOKENS", "")
	t.Setenv("RELAY_REQUIRE_AUTH", "true")

	if _, err := LoadServerConfig(); err == nil {
		t.Error("LoadServerConfig() error = nil, want error for missing RELAY_TOKENS")
	}
}

func TestLoadServerConfig_RedisAddrParsedFromURL(t *testing.T) {
	t.Setenv("RELAY_TOKENS", "tok1")
	t.Setenv("RELAY_REDIS_URL", "redis://cache.internal:6380/")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig() error = %v", err)
	}
	if got, want := cfg.RedisAddr, "cache.internal:6380"; got != want {
		t.Errorf("RedisAddr = %q, want %q", got, want)
	}
}

func TestLoadClientConfig_RequiresTokenAndClientID(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "")
	t.Setenv("RELAY_CLIENT_ID", "")

	if _, err := LoadClientConfig(); err == nil {
		t.Error("LoadClientConfig() error = nil, want error for missing token/client id")
	}
}

func TestLoadClientConfig_Defaults(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "secret")
	t.Setenv("RELAY_CLIENT_ID", "laptop-1")

	cfg, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("LoadClientConfig() error = %v", err)
	}
	if cfg.Server.Addr != "localhost" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, "localhost")
	}
	if !cfg.Server.TlsVerify {
		t.Error("Server.TlsVerify = false, want true by default")
	}
}

func TestGetEnvAsSlice_TrimsAndSkipsEmpty(t *testing.T) {
	t.Setenv("RELAY_TEST_SLICE", "a, b ,,c")
	got := getEnvAsSlice("RELAY_TEST_SLICE", nil)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("getEnvAsSlice() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("getEnvAsSlice()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
