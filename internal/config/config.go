// Package config loads and validates the council configuration. The loaded
// Config is constructed once in the command layer and passed explicitly to
// the orchestrator and its collaborators; nothing in this package holds
// mutable global state beyond viper's registration of defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opencouncil/council/internal/member"
)

// Config represents the complete council configuration.
type Config struct {
	Council    CouncilConfig    `mapstructure:"council"`
	Invocation InvocationConfig `mapstructure:"invocation"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CouncilConfig names the participating members and the chairman.
type CouncilConfig struct {
	// Members are member specs in "provider/model" form. Order matters:
	// a member's position is its identity for the whole session.
	Members []string `mapstructure:"members"`
	// Chairman is the member spec used for Stage-3 synthesis.
	Chairman string `mapstructure:"chairman"`
}

// InvocationConfig controls how external agent processes are run.
type InvocationConfig struct {
	// Command is the CLI executable used to invoke models (default: "opencode").
	Command string `mapstructure:"command"`
	// TimeoutSeconds is the per-invocation timeout (default: 300).
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// PathsConfig controls where council stores its working data.
type PathsConfig struct {
	// WorktreeDir is where per-member worktrees are created.
	// Empty means ".council/worktrees" under the repository root.
	WorktreeDir string `mapstructure:"worktree_dir"`
	// ConversationDir is where conversation history is persisted.
	// Empty means ".council/conversations" under the repository root.
	ConversationDir string `mapstructure:"conversation_dir"`
}

// LoggingConfig controls debug logging behavior.
type LoggingConfig struct {
	// Enabled controls whether session logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the log directory. Empty means ".council/logs" under the
	// repository root.
	Dir string `mapstructure:"dir"`
}

// Timeout returns the invocation timeout as a time.Duration.
func (i *InvocationConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// ParsedMembers parses the configured member specs, preserving order.
func (c *CouncilConfig) ParsedMembers() ([]member.Member, error) {
	return member.ParseAll(c.Members)
}

// ParsedChairman parses the configured chairman spec.
func (c *CouncilConfig) ParsedChairman() (member.Member, error) {
	return member.Parse(c.Chairman)
}

// ResolveWorktreeDir returns the worktree directory resolved against baseDir.
func (p *PathsConfig) ResolveWorktreeDir(baseDir string) string {
	return resolvePath(p.WorktreeDir, baseDir, filepath.Join(".council", "worktrees"))
}

// ResolveConversationDir returns the conversation directory resolved against baseDir.
func (p *PathsConfig) ResolveConversationDir(baseDir string) string {
	return resolvePath(p.ConversationDir, baseDir, filepath.Join(".council", "conversations"))
}

// ResolveLogDir returns the log directory resolved against baseDir.
func (l *LoggingConfig) ResolveLogDir(baseDir string) string {
	return resolvePath(l.Dir, baseDir, filepath.Join(".council", "logs"))
}

// resolvePath expands ~ and resolves relative paths against baseDir.
func resolvePath(path, baseDir, fallback string) string {
	if path == "" {
		return filepath.Join(baseDir, fallback)
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Council: CouncilConfig{
			Members:  []string{},
			Chairman: "",
		},
		Invocation: InvocationConfig{
			Command:        "opencode",
			TimeoutSeconds: 300,
		},
		Paths: PathsConfig{
			WorktreeDir:     "",
			ConversationDir: "",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Dir:     "",
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("council.members", defaults.Council.Members)
	viper.SetDefault("council.chairman", defaults.Council.Chairman)

	viper.SetDefault("invocation.command", defaults.Invocation.Command)
	viper.SetDefault("invocation.timeout_seconds", defaults.Invocation.TimeoutSeconds)

	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)
	viper.SetDefault("paths.conversation_dir", defaults.Paths.ConversationDir)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper into a Config struct and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the configuration can drive a session.
func (c *Config) Validate() error {
	if len(c.Council.Members) == 0 {
		return fmt.Errorf("council.members is empty: configure at least one member")
	}
	if _, err := c.Council.ParsedMembers(); err != nil {
		return fmt.Errorf("council.members: %w", err)
	}
	if c.Council.Chairman == "" {
		return fmt.Errorf("council.chairman is not set")
	}
	if _, err := c.Council.ParsedChairman(); err != nil {
		return fmt.Errorf("council.chairman: %w", err)
	}
	if c.Invocation.TimeoutSeconds <= 0 {
		return fmt.Errorf("invocation.timeout_seconds must be positive, got %d", c.Invocation.TimeoutSeconds)
	}
	return nil
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "council")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".council"
	}
	return filepath.Join(home, ".config", "council")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
