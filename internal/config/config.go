// Package config implements the platform's runtime configuration: YAML
// loading, .env and environment-variable overrides, and a deep-merge JSON
// patch endpoint, following the same layering the platform's dashboard
// config already uses.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type ECUConfig struct {
	Port           string `yaml:"port" json:"port"`
	Baud           int    `yaml:"baud" json:"baud"`
	ECUAddr        int    `yaml:"ecu_addr" json:"ecuAddr"`
	PadAddr        int    `yaml:"pad_addr" json:"padAddr"`
	PollHz         float64 `yaml:"poll_hz" json:"pollHz"`
	ChunkSize      int    `yaml:"chunk_size" json:"chunkSize"`
	ReadRetries    int    `yaml:"read_retries" json:"readRetries"`
	ReadInterDelayMs int  `yaml:"read_inter_delay_ms" json:"readInterDelayMs"`
}

type ParamCatalogConfig struct {
	DefsPath string `yaml:"defs_path" json:"defsPath"`
	Profile  string `yaml:"profile" json:"profile"`
}

type DtcConfig struct {
	DefsPath         string `yaml:"defs_path" json:"defsPath"`
	PollIntervalSec  int    `yaml:"poll_interval_sec" json:"pollIntervalSec"`
}

type SpoolConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxEntries int    `yaml:"max_entries" json:"maxEntries"`
}

type MqttConfig struct {
	BrokerURL          string `yaml:"broker_url" json:"brokerUrl"`
	ClientID           string `yaml:"client_id" json:"clientId"`
	BaseTopic          string `yaml:"base_topic" json:"baseTopic"`
	StatusTopic        string `yaml:"status_topic" json:"statusTopic"`
	DtcTopic           string `yaml:"dtc_topic" json:"dtcTopic"`
	EventsBase         string `yaml:"events_base" json:"eventsBase"`
	GpsTopic           string `yaml:"gps_topic" json:"gpsTopic"`
	QoS                byte   `yaml:"qos" json:"qos"`
	Retain             bool   `yaml:"retain" json:"retain"`
	BackoffMinSec      float64 `yaml:"backoff_min_sec" json:"backoffMinSec"`
	BackoffMaxSec      float64 `yaml:"backoff_max_sec" json:"backoffMaxSec"`
	ConnectTimeoutSec  float64 `yaml:"connect_timeout_sec" json:"connectTimeoutSec"`
	AckTimeoutSec      float64 `yaml:"ack_timeout_sec" json:"ackTimeoutSec"`
	StatusAckTimeoutSec float64 `yaml:"status_ack_timeout_sec" json:"statusAckTimeoutSec"`
	StatusIntervalSec  float64 `yaml:"status_interval_sec" json:"statusIntervalSec"`
}

type InfluxConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	URL      string `yaml:"url" json:"url"`
	Version  int    `yaml:"version" json:"version"`
	DB       string `yaml:"db" json:"db"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Token    string `yaml:"token" json:"token"`
	Org      string `yaml:"org" json:"org"`
	Bucket   string `yaml:"bucket" json:"bucket"`
}

type TrackConfig struct {
	File string `yaml:"file" json:"file"`
}

type RecordsConfig struct {
	File string `yaml:"file" json:"file"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config is the full runtime configuration. ToJSON, Save and ApplyPatch
// take its lock; ApplyPatch is the runtime mutation path, while plain field
// reads elsewhere are not synchronized.
type Config struct {
	mu sync.RWMutex

	ECU         ECUConfig          `yaml:"ecu" json:"ecu"`
	ParamCatalog ParamCatalogConfig `yaml:"paramcatalog" json:"paramcatalog"`
	Dtc         DtcConfig          `yaml:"dtc" json:"dtc"`
	Spool       SpoolConfig        `yaml:"spool" json:"spool"`
	Mqtt        MqttConfig         `yaml:"mqtt" json:"mqtt"`
	Influx      InfluxConfig       `yaml:"influx" json:"influx"`
	Track       TrackConfig        `yaml:"track" json:"track"`
	Records     RecordsConfig      `yaml:"records" json:"records"`
	HTTP        HTTPConfig         `yaml:"http" json:"http"`
	Log         LogConfig          `yaml:"log" json:"log"`

	path string
}

// Default returns a config with sensible defaults for every tunable.
func Default() *Config {
	return &Config{
		ECU: ECUConfig{
			Port:             "/dev/ttySSM",
			Baud:             4800,
			ECUAddr:          0x10,
			PadAddr:          0x00,
			PollHz:           10,
			ChunkSize:        64,
			ReadRetries:      3,
			ReadInterDelayMs: 20,
		},
		ParamCatalog: ParamCatalogConfig{
			DefsPath: "/etc/subaru-telemetry/logger.xml",
			Profile:  "fast",
		},
		Dtc: DtcConfig{
			DefsPath:        "/etc/subaru-telemetry/SSMFlagbyteDefinitions_en.cpp",
			PollIntervalSec: 300,
		},
		Spool: SpoolConfig{
			Path:       "/var/lib/subaru-telemetry/spool.jsonl",
			MaxEntries: 5000,
		},
		Mqtt: MqttConfig{
			BrokerURL:           "tcp://localhost:1883",
			ClientID:            "subaru-telemetry",
			BaseTopic:           "subaru/telemetry",
			StatusTopic:         "subaru/telemetry/status",
			DtcTopic:            "subaru/telemetry/dtc",
			EventsBase:          "subaru/events",
			GpsTopic:            "subaru/gps",
			QoS:                 1,
			Retain:              true,
			BackoffMinSec:       1,
			BackoffMaxSec:       30,
			ConnectTimeoutSec:   5,
			AckTimeoutSec:       5,
			StatusAckTimeoutSec: 3,
			StatusIntervalSec:   10,
		},
		Influx: InfluxConfig{
			Enabled: false,
			Version: 1,
		},
		Track: TrackConfig{
			File: "/etc/subaru-telemetry/track.json",
		},
		Records: RecordsConfig{
			File: "/var/lib/subaru-telemetry/records.json",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the file is missing.
func Load(path string) *Config {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = Default()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}
	cfg.applyEnvOverrides()
	return cfg
}

func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads the fixed set of environment variables that
// operators most commonly need to override without editing the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ECU_PORT"); v != "" {
		c.ECU.Port = v
	}
	if v := os.Getenv("ECU_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ECU.Baud = n
		}
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		c.Mqtt.BrokerURL = v
	}
	if v := os.Getenv("MQTT_BASE_TOPIC"); v != "" {
		c.Mqtt.BaseTopic = v
	}
	if v := os.Getenv("PARAMCATALOG_PROFILE"); v != "" {
		c.ParamCatalog.Profile = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
	if v := os.Getenv("TRACK_FILE"); v != "" {
		c.Track.File = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("INFLUX_ENABLED"); v != "" {
		c.Influx.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("INFLUX_URL"); v != "" {
		c.Influx.URL = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		c.Influx.Token = v
	}
}

// Save writes the config to its YAML file atomically (temp file + rename).
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/subaru-telemetry/config.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// ToJSON serializes the config for the HTTP surface.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// ApplyPatch deep-merges a partial JSON document into the live config
// under lock, the same way the platform's existing config-patch endpoint
// does: marshal current and patch to maps, merge recursively, then
// unmarshal the merged result back into the struct.
func (c *Config) ApplyPatch(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
