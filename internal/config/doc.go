// Package config provides loading and environment overlay for agentq
// configuration. It exposes a Default() baseline, file loading (JSON or
// TOML by extension), and an AGENTQ_* environment overlay with optional
// .env support.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/agentq.toml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.LoadDotenv("")
//	config.FromEnv(&cfg)
package config
