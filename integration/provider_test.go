//go:build integration

package integration

import (
	"math/rand"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
)

type providerConfig struct {
	Provider string
	Node     string
	Env      map[string]string
}

// integrationProviders lists the providers to exercise. FABTESTS_INTEGRATION_PROVIDERS
// is a comma separated list; FABTESTS_INTEGRATION_HINTS attaches per-provider
// settings as "prov:key=value,key=value;prov2:...".
func integrationProviders() []providerConfig {
	defaults := providerConfig{
		Provider: firstNonEmpty(os.Getenv("FABTESTS_INTEGRATION_PROVIDER"), "tcp"),
		Node:     firstNonEmpty(os.Getenv("FABTESTS_INTEGRATION_NODE"), "127.0.0.1"),
	}
	return providerConfigs(
		os.Getenv("FABTESTS_INTEGRATION_PROVIDERS"),
		os.Getenv("FABTESTS_INTEGRATION_HINTS"),
		defaults,
	)
}

func providerConfigs(providersEnv, hintsEnv string, defaults providerConfig) []providerConfig {
	hints := parseProviderHints(hintsEnv)

	var configs []providerConfig
	for _, part := range strings.Split(providersEnv, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		configs = append(configs, providerConfig{Provider: name, Node: defaults.Node})
	}
	if len(configs) == 0 {
		configs = append(configs, defaults)
	}

	for i, cfg := range configs {
		configs[i] = applyProviderHints(cfg, hints[strings.ToLower(cfg.Provider)])
	}
	return configs
}

func parseProviderHints(raw string) map[string]map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	hints := make(map[string]map[string]string)
	for _, entry := range strings.Split(raw, ";") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		provider := strings.ToLower(strings.TrimSpace(parts[0]))
		if provider == "" {
			continue
		}
		hint := hints[provider]
		if hint == nil {
			hint = make(map[string]string)
			hints[provider] = hint
		}
		if len(parts) == 1 {
			continue
		}
		for _, kv := range strings.Split(parts[1], ",") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			pair := strings.SplitN(kv, "=", 2)
			key := strings.ToLower(strings.TrimSpace(pair[0]))
			value := ""
			if len(pair) == 2 {
				value = strings.TrimSpace(pair[1])
			}
			hint[key] = value
		}
	}
	return hints
}

func applyProviderHints(cfg providerConfig, hint map[string]string) providerConfig {
	if v := hint["node"]; v != "" {
		cfg.Node = v
	}
	if v := hint["iface"]; v != "" {
		cfg.setEnv("FI_SOCKETS_IFACE", v)
	}
	for key, value := range hint {
		if name, ok := strings.CutPrefix(key, "env."); ok && name != "" {
			cfg.setEnv(strings.ToUpper(name), value)
		}
	}
	if strings.EqualFold(cfg.Provider, "sockets") && cfg.Env["FI_SOCKETS_IFACE"] == "" && os.Getenv("FI_SOCKETS_IFACE") == "" {
		if iface := defaultLoopbackInterface(); iface != "" {
			cfg.setEnv("FI_SOCKETS_IFACE", iface)
		}
	}
	return cfg
}

func (c *providerConfig) setEnv(key, value string) {
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
	c.Env[key] = value
}

// environ returns the child process environment.
func (c providerConfig) environ() []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func defaultLoopbackInterface() string {
	switch runtime.GOOS {
	case "darwin":
		return "lo0"
	case "linux":
		return "lo"
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func pickServicePort() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err == nil {
		defer ln.Close()
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			return strconv.Itoa(tcp.Port)
		}
	}
	return strconv.Itoa(40000 + rand.Intn(20000))
}
