// Package config collects runtime configuration for the gateway: ports,
// monitor toggles, on-disk paths, and the pattern sets that drive the MITM
// proxy's domain classification and the prompt parser's AI-traffic
// heuristic. Values load from the environment with defaults, then an
// optional YAML overlay is applied — the same two-step shape as the teacher
// gateway's guardrails.LoadConfig/applyDefaults, re-grounded on the original
// Python Config class's env vars and pattern lists.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables for both the proxy and the sniffer
// entry points.
type Config struct {
	ProxyPort int `yaml:"proxy_port"`

	MonitorOpenAI    bool `yaml:"monitor_openai"`
	MonitorAnthropic bool `yaml:"monitor_anthropic"`
	MonitorCodeium   bool `yaml:"monitor_codeium"`
	MonitorAllAIAPIs bool `yaml:"monitor_all_ai_apis"`

	LogLevel string `yaml:"log_level"`

	CertDir string `yaml:"cert_dir"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	VaultEndpoint  string `yaml:"vault_endpoint"`
	VaultAccessKey string `yaml:"vault_access_key"`
	VaultSecretKey string `yaml:"vault_secret_key"`
	VaultBucket    string `yaml:"vault_bucket"`
	VaultUseSSL    bool   `yaml:"vault_use_ssl"`

	AuditChainKey string `yaml:"audit_chain_key"`

	LogDir string `yaml:"log_dir"`

	StatsPort int `yaml:"stats_port"`
}

// aiAPIPatterns mirrors the original Config.AI_API_PATTERNS list verbatim —
// §6.4's AI-pattern substrings used by the prompt parser's IsAIRequest.
var aiAPIPatterns = []string{
	"api.openai.com",
	"api.anthropic.com",
	"api.codeium.com",
	"/v1/chat/completions",
	"/v1/completions",
	"/v1/messages",
	"/chat/completions",
	"windsurf",
	"cursor",
	"copilot",
}

// MITMDomains are hosts the proxy terminates TLS for and inspects, per §6.4.
var MITMDomains = map[string]bool{
	"api.openai.com":                      true,
	"api.anthropic.com":                   true,
	"api.codeium.com":                     true,
	"copilot-proxy.githubusercontent.com": true,
	"api.github.com":                      true,
	"generativelanguage.googleapis.com":   true,
	"api.groq.com":                        true,
	"api.mistral.ai":                      true,
	"api.cohere.com":                      true,
	"api.together.xyz":                    true,
	"api.windsurf.ai":                     true,
	"server.windsurf.ai":                  true,
}

// LogOnlyDomains are hosts the proxy notices but only tunnels, per §6.4.
var LogOnlyDomains = map[string]bool{
	"unleash.codeium.com":  true,
	"telemetry.codeium.com": true,
	"app.codeium.com":      true,
	"codeium.com":          true,
}

// Load reads the Config from the environment, applying defaults, then
// overlays path (if non-empty) as a YAML file on top. Mirrors
// guardrails.LoadConfig's two-step shape: environment first, optional file
// override second.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ProxyPort:        envInt("PROXY_PORT", 8080),
		MonitorOpenAI:    envBool("MONITOR_OPENAI", true),
		MonitorAnthropic: envBool("MONITOR_ANTHROPIC", true),
		MonitorCodeium:   envBool("MONITOR_CODEIUM", true),
		MonitorAllAIAPIs: envBool("MONITOR_ALL_AI_APIS", true),
		LogLevel:         envString("LOG_LEVEL", "INFO"),
		CertDir:          envString("CERT_PATH", defaultCertDir()),
		OTLPEndpoint:     envString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		VaultEndpoint:    envString("VAULT_ENDPOINT", ""),
		VaultAccessKey:   envString("VAULT_ACCESS_KEY", ""),
		VaultSecretKey:   envString("VAULT_SECRET_KEY", ""),
		VaultBucket:      envString("VAULT_BUCKET", "prompts"),
		VaultUseSSL:      envBool("VAULT_USE_SSL", false),
		AuditChainKey:    envString("AUDIT_CHAIN_KEY", ""),
		LogDir:           envString("LOG_DIR", defaultLogDir()),
		StatsPort:        envInt("STATS_PORT", 9090),
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// MonitoredPatterns implements get_monitored_patterns(): the deduplicated
// union of patterns enabled by the monitor toggles.
func (c *Config) MonitoredPatterns() []string {
	seen := make(map[string]bool)
	var patterns []string
	add := func(ps ...string) {
		for _, p := range ps {
			if !seen[p] {
				seen[p] = true
				patterns = append(patterns, p)
			}
		}
	}

	if c.MonitorOpenAI {
		add("api.openai.com", "/v1/chat/completions", "/v1/completions")
	}
	if c.MonitorAnthropic {
		add("api.anthropic.com", "/v1/messages")
	}
	if c.MonitorCodeium {
		add("api.codeium.com", "codeium")
	}
	if c.MonitorAllAIAPIs {
		add(aiAPIPatterns...)
	}
	return patterns
}

func defaultCertDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".windsurf-proxy"
	}
	return home + "/.windsurf-proxy"
}

func defaultLogDir() string {
	return "logs"
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return strings.ToLower(v) == "true"
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
