package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("listen: want :8080, got %q", cfg.Listen)
	}
	if cfg.Catalog.Backend != "file" || cfg.Review.Mode != "tokenreview" {
		t.Fatalf("backends: got catalog=%q review=%q", cfg.Catalog.Backend, cfg.Review.Mode)
	}
	if cfg.Sweep.Interval != 30*time.Second || cfg.Sweep.StaleAfter != 15*time.Second || cfg.Sweep.Grace != time.Minute {
		t.Fatalf("sweep: got %+v", cfg.Sweep)
	}
	if !cfg.Sweep.Enabled {
		t.Fatal("sweep disabled by default")
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("MCP_GATEWAY_LISTEN", ":9000")
	t.Setenv("CATALOG_BACKEND", "redis")
	t.Setenv("MCP_GATEWAY_IDLE_TIMEOUT", "90s")
	t.Setenv("SWEEP_ENABLED", "false")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.Catalog.Backend != "redis" || cfg.IdleTimeout != 90*time.Second || cfg.Sweep.Enabled {
		t.Fatalf("config: got %+v", cfg)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	for name, env := range map[string][2]string{
		"catalog": {"CATALOG_BACKEND", "etcd"},
		"review":  {"MCP_GATEWAY_REVIEW", "oauth"},
		"level":   {"LOG_LEVEL", "loud"},
		"format":  {"LOG_FORMAT", "xml"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("%s=%s accepted", env[0], env[1])
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	var buf bytes.Buffer
	log := cfg.NewLogger(&buf)
	log.Info("dropped")
	log.Warn("kept")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("want a single json record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "kept" {
		t.Fatalf("msg: want kept, got %v", rec["msg"])
	}
}

func TestSchemaCommand(t *testing.T) {
	var out bytes.Buffer
	schemaCmd.SetOut(&out)
	defer schemaCmd.SetOut(nil)
	if err := runSchema(schemaCmd, []string{"Template"}); err != nil {
		t.Fatalf("schema: %v", err)
	}
	var s struct {
		Title    string   `json:"title"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(out.Bytes(), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Title != "Template" || len(s.Required) == 0 || s.Required[0] != "kind" {
		t.Fatalf("schema: got %+v", s)
	}

	if err := runSchema(schemaCmd, []string{"Widget"}); err == nil {
		t.Fatal("unknown kind accepted")
	}
}
