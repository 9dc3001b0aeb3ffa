package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("PROXY_PORT")
	os.Unsetenv("MONITOR_CODEIUM")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ProxyPort != 8080 {
		t.Errorf("ProxyPort = %d, want 8080", cfg.ProxyPort)
	}
	if !cfg.MonitorCodeium {
		t.Error("MonitorCodeium default should be true")
	}
}

func TestLoadRespectsEnvOverride(t *testing.T) {
	os.Setenv("PROXY_PORT", "9999")
	defer os.Unsetenv("PROXY_PORT")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ProxyPort != 9999 {
		t.Errorf("ProxyPort = %d, want 9999", cfg.ProxyPort)
	}
}

func TestMonitoredPatternsDeduped(t *testing.T) {
	cfg := &Config{MonitorOpenAI: true, MonitorAllAIAPIs: true}
	patterns := cfg.MonitoredPatterns()

	count := 0
	for _, p := range patterns {
		if p == "api.openai.com" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("api.openai.com appeared %d times, want 1 (deduped)", count)
	}
}

func TestMITMDomainsAndLogOnlyDomainsDisjoint(t *testing.T) {
	for host := range MITMDomains {
		if LogOnlyDomains[host] {
			t.Fatalf("%s present in both MITMDomains and LogOnlyDomains", host)
		}
	}
}
