// Package config loads docserve settings using Viper, merging the optional
// .docserve.yml file, DOCSERVE_ environment variables and command-line flags.
//
// Settings cover the HTTP listener, the watch and reload behaviour of the
// preview session, the external render command and logging.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/conneroisu/docserve/internal/logging"
	"github.com/spf13/viper"
)

// Default values applied when nothing else sets a key.
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 4848
	DefaultDebounce     = 100 * time.Millisecond
	DefaultPollInterval = 100 * time.Millisecond
	DefaultCommand      = "pandoc"
)

// DefaultArgs make the default command write each input's page next to it.
// They apply only while render.command is left at DefaultCommand.
var DefaultArgs = []string{"--standalone", "--output={stem}.html"}

type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Watch   WatchConfig   `mapstructure:"watch" yaml:"watch"`
	Render  RenderConfig  `mapstructure:"render" yaml:"render"`
	Preview PreviewConfig `mapstructure:"preview" yaml:"preview"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	// ProjectDir comes from the command line, not the config file.
	ProjectDir string `mapstructure:"-" yaml:"-"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// AllowedOrigins lists extra origins accepted on the reload socket.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

type WatchConfig struct {
	Inputs         bool          `mapstructure:"inputs" yaml:"inputs"`
	Navigate       bool          `mapstructure:"navigate" yaml:"navigate"`
	RenderOnReload bool          `mapstructure:"render_on_reload" yaml:"render_on_reload"`
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// OutputFile, when set, is polled instead of watching the output tree.
	OutputFile string `mapstructure:"output_file" yaml:"output_file"`
	// ExtraResources are files outside the project globs whose changes
	// should still refresh the staged output.
	ExtraResources []string `mapstructure:"extra_resources" yaml:"extra_resources"`
}

type RenderConfig struct {
	Command     string   `mapstructure:"command" yaml:"command"`
	Args        []string `mapstructure:"args" yaml:"args"`
	ProjectArgs []string `mapstructure:"project_args" yaml:"project_args"`
	// Commands maps an input extension, without its dot, to a command line
	// overriding Command for that extension.
	Commands map[string]string `mapstructure:"commands" yaml:"commands"`
}

type PreviewConfig struct {
	// Host enables the presentation reload guard when a preview host is
	// embedding the pages.
	Host       string `mapstructure:"host" yaml:"host"`
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", DefaultHost)
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("watch.inputs", true)
	v.SetDefault("watch.navigate", true)
	v.SetDefault("watch.render_on_reload", false)
	v.SetDefault("watch.debounce", DefaultDebounce)
	v.SetDefault("watch.poll_interval", DefaultPollInterval)
	v.SetDefault("render.command", DefaultCommand)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom decodes and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Slices set through flags or env arrive as a single string.
	if v.IsSet("render.args") && len(config.Render.Args) == 0 {
		config.Render.Args = v.GetStringSlice("render.args")
	}
	if !v.IsSet("render.args") && config.Render.Command == DefaultCommand {
		config.Render.Args = append([]string(nil), DefaultArgs...)
	}
	if v.IsSet("server.allowed_origins") && len(config.Server.AllowedOrigins) == 0 {
		config.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("watch.extra_resources") && len(config.Watch.ExtraResources) == 0 {
		config.Watch.ExtraResources = v.GetStringSlice("watch.extra_resources")
	}
	if config.Render.Commands == nil {
		config.Render.Commands = make(map[string]string)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoggerConfig converts the log section for logging.NewLogger.
func (c *Config) LoggerConfig() (*logging.LoggerConfig, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = c.Log.Format
	return cfg, nil
}

// RenderCommands splits each per-extension command line into the program
// and its arguments, keyed by the dotted extension.
func (c *Config) RenderCommands() map[string][]string {
	out := make(map[string][]string, len(c.Render.Commands))
	for ext, line := range c.Render.Commands {
		if fields := strings.Fields(line); len(fields) > 0 {
			out["."+strings.ToLower(ext)] = fields
		}
	}
	return out
}

func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateWatchConfig(&config.Watch); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	if err := validateRenderConfig(&config.Render); err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if err := validateLogConfig(&config.Log); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	return nil
}

// validateServerConfig allows port 0 so tests can ask for a free port.
func validateServerConfig(config *ServerConfig) error {
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}
	if config.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if strings.ContainsAny(config.Host, " \t\r\n/;&|$`") {
		return fmt.Errorf("host contains invalid characters: %q", config.Host)
	}
	return nil
}

func validateWatchConfig(config *WatchConfig) error {
	if config.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, got %s", config.Debounce)
	}
	if config.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", config.PollInterval)
	}
	return nil
}

func validateRenderConfig(config *RenderConfig) error {
	if strings.TrimSpace(config.Command) == "" {
		return fmt.Errorf("command must not be empty")
	}
	for ext, line := range config.Commands {
		if ext == "" || strings.Contains(ext, ".") {
			return fmt.Errorf("extension %q must be given without a dot", ext)
		}
		if strings.TrimSpace(line) == "" {
			return fmt.Errorf("empty command for extension %s", ext)
		}
	}
	return nil
}

func validateLogConfig(config *LogConfig) error {
	if _, err := logging.ParseLevel(config.Level); err != nil {
		return err
	}
	switch config.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", config.Format)
	}
}
