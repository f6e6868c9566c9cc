package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

type testNodeConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr" yaml:"listen_addr"`
	ListenPort     int      `mapstructure:"listen_port" yaml:"listen_port"`
	LogLevel       string   `mapstructure:"log_level" yaml:"log_level"`
	Hostnames      []string `mapstructure:"hostnames" yaml:"hostnames"`
	MaxConnections int      `mapstructure:"max_connections" yaml:"max_connections"`
}

func testDefaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":     "0.0.0.0",
		"listen_port":     4001,
		"log_level":       "info",
		"max_connections": 100,
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	return path
}

func TestLoadConfigWithDefaults(t *testing.T) {
	config, err := LoadConfig[testNodeConfig]("", testDefaults(), nil)
	if err != nil {
		t.Fatalf("Failed to load config with defaults: %v", err)
	}

	if config.ListenAddr != "0.0.0.0" {
		t.Errorf("Expected default listen_addr '0.0.0.0', got '%s'", config.ListenAddr)
	}
	if config.ListenPort != 4001 {
		t.Errorf("Expected default listen_port 4001, got %d", config.ListenPort)
	}
	if config.MaxConnections != 100 {
		t.Errorf("Expected default max_connections 100, got %d", config.MaxConnections)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	configFile := writeFile(t, "config.yaml", `
listen_port: 9090
log_level: "debug"
hostnames:
  - example.com
  - node.local:4001
`)

	config, err := LoadConfig[testNodeConfig](configFile, testDefaults(), nil)
	if err != nil {
		t.Fatalf("Failed to load config from file: %v", err)
	}

	if config.ListenPort != 9090 {
		t.Errorf("Expected listen_port 9090, got %d", config.ListenPort)
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected log_level 'debug', got '%s'", config.LogLevel)
	}
	if len(config.Hostnames) != 2 || config.Hostnames[1] != "node.local:4001" {
		t.Errorf("Expected two hostnames, got %v", config.Hostnames)
	}
	if config.ListenAddr != "0.0.0.0" {
		t.Errorf("Expected default listen_addr to survive, got '%s'", config.ListenAddr)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	configFile := writeFile(t, "config.yaml", `
listen_port: 8080
log_level: "info"
listen_addr: "10.0.0.1"
`)
	t.Setenv("P2PHTTP_LOG_LEVEL", "error")
	t.Setenv("P2PHTTP_LISTEN_ADDR", "127.0.0.1")

	overrides := map[string]interface{}{
		"listen_addr": "192.168.1.1",
		"listen_port": nil,
	}

	config, err := LoadConfig[testNodeConfig](configFile, testDefaults(), overrides)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.LogLevel != "error" {
		t.Errorf("Expected env log_level 'error', got '%s'", config.LogLevel)
	}
	if config.ListenAddr != "192.168.1.1" {
		t.Errorf("Expected override listen_addr '192.168.1.1', got '%s'", config.ListenAddr)
	}
	if config.ListenPort != 8080 {
		t.Errorf("Expected listen_port 8080 (nil override ignored), got %d", config.ListenPort)
	}
}

func TestLoadConfigInvalidFile(t *testing.T) {
	configFile := writeFile(t, "invalid.yaml", `
listen_port: not_a_number
listen_addr: [invalid
`)

	if _, err := LoadConfig[testNodeConfig](configFile, nil, nil); err == nil {
		t.Fatal("Expected error when loading invalid config, got nil")
	}
}

func TestLoadConfigNonExistentFile(t *testing.T) {
	if _, err := LoadConfig[testNodeConfig]("/nonexistent/path/config.yaml", nil, nil); err == nil {
		t.Fatal("Expected error for non-existent config file, got nil")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "subdir", "nested", "config.yaml")

	config := testNodeConfig{
		ListenAddr: "127.0.0.1",
		ListenPort: 7777,
		Hostnames:  []string{"example.com"},
	}

	if err := SaveConfig(configFile, config); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		t.Fatalf("Failed to read saved config: %v", err)
	}

	var raw testNodeConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal saved config: %v", err)
	}
	if raw.ListenPort != 7777 {
		t.Errorf("Expected saved listen_port 7777, got %d", raw.ListenPort)
	}

	loaded, err := LoadConfig[testNodeConfig](configFile, nil, nil)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}
	if loaded.ListenAddr != "127.0.0.1" || len(loaded.Hostnames) != 1 {
		t.Errorf("Expected saved values to load back, got %+v", loaded)
	}
}
