package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "memory" {
		t.Errorf("Database.Driver = %q, want memory", cfg.Database.Driver)
	}
	if cfg.Dispatcher.ManagerQueue != "localhost.man" {
		t.Errorf("Dispatcher.ManagerQueue = %q, want localhost.man", cfg.Dispatcher.ManagerQueue)
	}
	if cfg.Dispatcher.ShutdownTimeout != 120*time.Second {
		t.Errorf("Dispatcher.ShutdownTimeout = %s, want 2m0s", cfg.Dispatcher.ShutdownTimeout)
	}
	if cfg.Instance.VNCPortMin != 20000 || cfg.Instance.VNCPortMax != 65536 {
		t.Errorf("vnc range = [%d, %d), want [20000, 65536)", cfg.Instance.VNCPortMin, cfg.Instance.VNCPortMax)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "circle.yaml")
	content := []byte(`
server:
  port: 9090
scheduler:
  placement_strategy: pack
dispatcher:
  static_queues:
    - queue: node1.vm
      address: 10.0.0.1:9443
    - queue: node1.net
      address: 10.0.0.1:9443
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CIRCLE_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Scheduler.PlacementStrategy != "pack" {
		t.Errorf("PlacementStrategy = %q, want pack", cfg.Scheduler.PlacementStrategy)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	addrs := cfg.Dispatcher.QueueAddresses()
	if len(addrs) != 2 {
		t.Fatalf("QueueAddresses() = %v, want 2 entries", addrs)
	}
	if got := addrs["node1.vm"]; got != "10.0.0.1:9443" {
		t.Errorf("QueueAddresses()[node1.vm] = %q, want 10.0.0.1:9443", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database:   DatabaseConfig{Driver: "memory"},
			Scheduler:  SchedulerConfig{PlacementStrategy: "spread"},
			Instance:   InstanceConfig{VNCPortMin: 20000, VNCPortMax: 20010},
			Dispatcher: DispatcherConfig{Workers: 1},
			Node:       NodeConfig{MetricsTTL: 30 * time.Second, LocalMetricsTTL: 5 * time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
		{name: "unknown strategy", mutate: func(c *Config) { c.Scheduler.PlacementStrategy = "random" }, wantErr: true},
		{name: "empty vnc range", mutate: func(c *Config) { c.Instance.VNCPortMax = c.Instance.VNCPortMin }, wantErr: true},
		{name: "no workers", mutate: func(c *Config) { c.Dispatcher.Workers = 0 }, wantErr: true},
		{name: "local ttl above shared ttl", mutate: func(c *Config) { c.Node.LocalMetricsTTL = time.Minute }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
