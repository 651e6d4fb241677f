// Package config provides loading and environment overlay for loom runtime
// configuration. It exposes a Default() baseline, file loading (JSON or
// YAML, by extension) and a LOOM_* environment overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/loom.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
