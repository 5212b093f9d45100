package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"terrainstream/internal/terrain"
	"terrainstream/internal/world"
)

// Duration wraps time.Duration so configuration files can use strings such
// as "250ms" in both JSON and YAML, while numeric nanoseconds still work.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string, a number of nanoseconds or null.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("duration: empty value")
	}
	if string(b) == "null" {
		*d = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("duration: decode string: %w", err)
		}
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Duration(time.Duration(n))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*d = Duration(time.Duration(f))
		return nil
	}
	return fmt.Errorf("duration: invalid value %s", string(b))
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: line %d: expected a scalar", value.Line)
	}
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(time.Duration(n))
		return nil
	}
	if value.Tag == "!!null" {
		*d = 0
		return nil
	}
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: parse %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config captures everything needed to run a terrain streaming server.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Stream      StreamConfig      `json:"stream" yaml:"stream"`
	Terrain     TerrainConfig     `json:"terrain" yaml:"terrain"`
	Realization RealizationConfig `json:"realization" yaml:"realization"`
	Network     NetworkConfig     `json:"network" yaml:"network"`
	Journal     JournalConfig     `json:"journal" yaml:"journal"`
	Index       IndexConfig       `json:"index" yaml:"index"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

type ServerConfig struct {
	ID         string `json:"id" yaml:"id"`
	HTTPListen string `json:"httpListen" yaml:"http_listen"`
	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdown_timeout"`
}

type StreamConfig struct {
	RenderDistance int `json:"renderDistance" yaml:"render_distance"`
	// MaxLoadsPerSecond paces chunk loads; 0 disables pacing.
	MaxLoadsPerSecond float64  `json:"maxLoadsPerSecond" yaml:"max_loads_per_second"`
	Observer          Position `json:"observer" yaml:"observer"`
}

// Position is the observer start position in world units.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

type TerrainConfig struct {
	terrain.Parameters `yaml:",inline"`
	// Preset seeds the parameters before the rest of the section is applied.
	Preset  string `json:"preset,omitempty" yaml:"preset,omitempty"`
	Workers int    `json:"workers" yaml:"workers"`
}

type RealizationConfig struct {
	Memory     bool   `json:"memory" yaml:"memory"`
	PreviewDir string `json:"previewDir" yaml:"preview_dir"`
}

type NetworkConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	WebsocketPath string `json:"websocketPath" yaml:"websocket_path"`
	// MaxQueue is the outbound message buffer per client.
	MaxQueue        int      `json:"maxQueue" yaml:"max_queue"`
	WriteTimeout    Duration `json:"writeTimeout" yaml:"write_timeout"`
	MaxMessageBytes int64    `json:"maxMessageBytes" yaml:"max_message_bytes"`
}

type JournalConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

type IndexConfig struct {
	Path string `json:"path" yaml:"path"`
}

type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"maxSizeMb" yaml:"max_size_mb"`
	MaxBackups int    `json:"maxBackups" yaml:"max_backups"`
	MaxAgeDays int    `json:"maxAgeDays" yaml:"max_age_days"`
}

// Load reads a YAML or JSON configuration file, chosen by extension. An
// empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(data, FormatFor(path), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Format names a configuration encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFor picks the encoding of path by extension; anything but .json is YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Decode applies data on top of cfg. When the terrain section names a
// preset, the preset replaces the terrain parameters first and the
// explicit values in data are layered over it.
func Decode(data []byte, format Format, cfg *Config) error {
	var peek struct {
		Terrain struct {
			Preset string `json:"preset" yaml:"preset"`
		} `json:"terrain" yaml:"terrain"`
	}
	if err := unmarshal(data, format, &peek); err != nil {
		return err
	}
	if name := peek.Terrain.Preset; name != "" {
		params, ok := terrain.Preset(name)
		if !ok {
			return fmt.Errorf("unknown terrain preset %q (known: %s)", name, strings.Join(terrain.PresetNames(), ", "))
		}
		cfg.Terrain.Parameters = params
	}
	return unmarshal(data, format, cfg)
}

func unmarshal(data []byte, format Format, v interface{}) error {
	switch format {
	case FormatJSON:
		return json.Unmarshal(data, v)
	case FormatYAML:
		return yaml.Unmarshal(data, v)
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ID:              "terrainstream-0",
			HTTPListen:      ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Stream: StreamConfig{
			RenderDistance: 2,
		},
		Terrain: TerrainConfig{
			Parameters: terrain.DefaultParameters(),
		},
		Realization: RealizationConfig{
			Memory: true,
		},
		Network: NetworkConfig{
			Enabled:         true,
			WebsocketPath:   "/ws",
			MaxQueue:        256,
			WriteTimeout:    Duration(5 * time.Second),
			MaxMessageBytes: 1 << 16,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.ID == "" {
		return errors.New("server.id must be set")
	}
	if c.Server.HTTPListen == "" {
		return errors.New("server.httpListen must be set")
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.New("server.shutdownTimeout cannot be negative")
	}
	if c.Stream.RenderDistance < 0 {
		return errors.New("stream.renderDistance cannot be negative")
	}
	if c.Stream.RenderDistance > world.MaxRenderDistance {
		return fmt.Errorf("stream.renderDistance cannot exceed %d", world.MaxRenderDistance)
	}
	if c.Stream.MaxLoadsPerSecond < 0 {
		return errors.New("stream.maxLoadsPerSecond cannot be negative")
	}
	if err := c.Terrain.Parameters.Validate(); err != nil {
		return err
	}
	if c.Terrain.Workers < 0 {
		return errors.New("terrain.workers cannot be negative")
	}
	if !c.Realization.Memory && c.Realization.PreviewDir == "" && !c.Network.Enabled {
		return errors.New("realization needs memory, previewDir or network enabled")
	}
	if c.Network.Enabled {
		if !strings.HasPrefix(c.Network.WebsocketPath, "/") {
			return errors.New("network.websocketPath must start with /")
		}
		if c.Network.MaxQueue <= 0 {
			return errors.New("network.maxQueue must be positive")
		}
		if c.Network.MaxMessageBytes <= 0 {
			return errors.New("network.maxMessageBytes must be positive")
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return errors.New("logging rotation limits cannot be negative")
	}
	return nil
}
