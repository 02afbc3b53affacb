// Package config loads the run configuration: a YAML file, optionally
// overlaid with values from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mineland.ai/internal/bridge"
	"mineland.ai/internal/protocol"
	"mineland.ai/internal/task"
	"mineland.ai/internal/task/scoring"
	"mineland.ai/internal/transport/control"
)

type Config struct {
	ControlURL     string        `yaml:"control_url" validate:"required,url"`
	ControlTimeout time.Duration `yaml:"control_timeout" validate:"gte=0"`
	StrictSchemas  bool          `yaml:"strict_schemas"`

	// Tick console for auto_pause: either a WebSocket console or a pipe
	// (FIFO or stdin) the server reads commands from. Exactly one with auto_pause.
	ConsoleURL     string        `yaml:"console_url" validate:"omitempty,url"`
	ConsolePipe    string        `yaml:"console_pipe"`
	ConsoleTimeout time.Duration `yaml:"console_timeout" validate:"gte=0"`

	ServerHost string `yaml:"server_host" validate:"required"`
	ServerPort int    `yaml:"server_port" validate:"gte=1,lte=65535"`
	Version    string `yaml:"minecraft_version"`

	AgentsCount int                    `yaml:"agents_count" validate:"gte=0"`
	Agents      []protocol.AgentConfig `yaml:"agents"`
	ImageWidth  int                    `yaml:"image_width" validate:"gte=1"`
	ImageHeight int                    `yaml:"image_height" validate:"gte=1"`
	Headless    bool                   `yaml:"headless"`

	TicksPerStep   int  `yaml:"ticks_per_step" validate:"gte=1"`
	AutoPause      bool `yaml:"auto_pause"`
	LowLevelAction bool `yaml:"low_level_action"`

	Task    task.Spec     `yaml:"task"`
	Scoring ScoringConfig `yaml:"scoring"`

	// Run records. Empty disables each.
	StepLogDir string `yaml:"step_log_dir"`
	IndexDB    string `yaml:"index_db"`

	RPCAddr string `yaml:"rpc_addr"`
	// RPCHMACSecret, when set, makes the rpc server require signed calls.
	RPCHMACSecret string `yaml:"rpc_hmac_secret"`
}

type ScoringConfig struct {
	EmbeddingURL string        `yaml:"embedding_url" validate:"omitempty,url"`
	ModelDigest  string        `yaml:"model_digest"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
}

func Defaults() Config {
	return Config{
		ControlURL:     "http://127.0.0.1:5000",
		ControlTimeout: 3000 * time.Second,
		ConsoleTimeout: 30 * time.Second,
		ServerHost:     "localhost",
		ServerPort:     25565,
		Version:        protocol.DefaultGameVersion,
		AgentsCount:    1,
		ImageWidth:     640,
		ImageHeight:    360,
		Headless:       true,
		TicksPerStep:   20,
		Task:           task.Spec{ID: "playground"},
		RPCAddr:        "127.0.0.1:8090",
	}
}

// Load reads path (empty = defaults only), then applies MLAND_* keys from
// envFile when it exists. The process environment is not consulted.
func Load(path, envFile string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if strings.TrimSpace(envFile) != "" {
		env, err := godotenv.Read(envFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("%s: %w", envFile, err)
		default:
			if err := cfg.Overlay(env); err != nil {
				return cfg, fmt.Errorf("%s: %w", envFile, err)
			}
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Overlay applies MLAND_* keys from env.
func (c *Config) Overlay(env map[string]string) error {
	str := map[string]*string{
		"MLAND_CONTROL_URL":   &c.ControlURL,
		"MLAND_CONSOLE_URL":   &c.ConsoleURL,
		"MLAND_CONSOLE_PIPE":  &c.ConsolePipe,
		"MLAND_SERVER_HOST":   &c.ServerHost,
		"MLAND_TASK_ID":       &c.Task.ID,
		"MLAND_EMBEDDING_URL": &c.Scoring.EmbeddingURL,
		"MLAND_MODEL_DIGEST":  &c.Scoring.ModelDigest,
		"MLAND_STEP_LOG_DIR":  &c.StepLogDir,
		"MLAND_INDEX_DB":      &c.IndexDB,
		"MLAND_RPC_ADDR":      &c.RPCAddr,
		"MLAND_RPC_SECRET":    &c.RPCHMACSecret,
	}
	for k, p := range str {
		if v, ok := env[k]; ok {
			*p = strings.TrimSpace(v)
		}
	}
	ints := map[string]*int{
		"MLAND_SERVER_PORT":    &c.ServerPort,
		"MLAND_AGENTS_COUNT":   &c.AgentsCount,
		"MLAND_TICKS_PER_STEP": &c.TicksPerStep,
	}
	for k, p := range ints {
		if v, ok := env[k]; ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*p = n
		}
	}
	if v, ok := env["MLAND_AUTO_PAUSE"]; ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MLAND_AUTO_PAUSE: %w", err)
		}
		c.AutoPause = b
	}
	return nil
}

// Normalize fills the roster from agents_count when no agents are listed,
// and pads a listed roster up to agents_count with default names.
func (c *Config) Normalize() {
	if c.Version == "" {
		c.Version = protocol.DefaultGameVersion
	}
	for i := len(c.Agents); i < c.AgentsCount; i++ {
		c.Agents = append(c.Agents, protocol.AgentConfig{Name: fmt.Sprintf("MineflayerBot%d", i)})
	}
	c.AgentsCount = len(c.Agents)
}

func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	hasURL, hasPipe := strings.TrimSpace(c.ConsoleURL) != "", strings.TrimSpace(c.ConsolePipe) != ""
	if c.AutoPause && !hasURL && !hasPipe {
		return fmt.Errorf("config: auto_pause needs console_url or console_pipe")
	}
	if hasURL && hasPipe {
		return fmt.Errorf("config: console_url and console_pipe are exclusive")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: no agents")
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return fmt.Errorf("config: agents[%d] has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("config: duplicate agent name %q", name)
		}
		seen[name] = true
	}
	if strings.TrimSpace(c.Task.ID) == "" {
		return fmt.Errorf("config: task.id required")
	}
	return nil
}

func (c Config) Bridge() bridge.Config {
	return bridge.Config{
		ServerHost:     c.ServerHost,
		ServerPort:     c.ServerPort,
		Version:        c.Version,
		Agents:         c.Agents,
		ImageWidth:     c.ImageWidth,
		ImageHeight:    c.ImageHeight,
		Headless:       c.Headless,
		TicksPerStep:   c.TicksPerStep,
		AutoPause:      c.AutoPause,
		LowLevelAction: c.LowLevelAction,
	}
}

func (c Config) Control() control.Config {
	return control.Config{BaseURL: c.ControlURL, Timeout: c.ControlTimeout, StrictSchemas: c.StrictSchemas}
}

func (c Config) ScoringDeps() scoring.Config {
	return scoring.Config{EmbeddingURL: c.Scoring.EmbeddingURL, ModelDigest: c.Scoring.ModelDigest, Timeout: c.Scoring.Timeout}
}
