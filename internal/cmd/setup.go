package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opencouncil/council/internal/config"
)

const configTemplate = `# council configuration
council:
  # Member specs in provider/model form. The opencode/ prefix is optional.
  members:
    - anthropic/claude-sonnet-4
    - openai/gpt-5
    - google/gemini-2.5-pro
  # The chairman synthesizes the final answer.
  chairman: anthropic/claude-opus-4

invocation:
  command: opencode
  timeout_seconds: 300

logging:
  enabled: true
  level: info
`

var setupForce bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Write a starter config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ConfigFile()

		if _, err := os.Stat(path); err == nil && !setupForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("Wrote %s\nEdit it to set your council members and chairman.\n", path)
		return nil
	},
}

func init() {
	setupCmd.Flags().BoolVar(&setupForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(setupCmd)
}
