package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/charmbracelet/lipgloss"

	"github.com/opencouncil/council/internal/config"
	"github.com/opencouncil/council/internal/storage"
	"github.com/opencouncil/council/internal/worktree"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		conversations, err := store.List()
		if err != nil {
			return err
		}
		if len(conversations) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		title := lipgloss.NewStyle().Bold(true)
		faint := lipgloss.NewStyle().Faint(true)
		for i, c := range conversations {
			fmt.Printf("  %d. %s  %s\n",
				i+1,
				title.Render(c.Title),
				faint.Render(fmt.Sprintf("%s, %d session(s)",
					c.UpdatedAt.Local().Format("2006-01-02 15:04"), len(c.Sessions))))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <number>",
	Short: "Show a saved conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid conversation number: %q", args[0])
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		c, err := store.GetByIndex(index)
		if err != nil {
			return err
		}

		title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
		label := lipgloss.NewStyle().Bold(true)
		fmt.Printf("%s\n", title.Render(c.Title))
		for _, session := range c.Sessions {
			fmt.Printf("\n%s %s\n", label.Render("Q:"), session.Query)
			if session.Stage3 != nil {
				fmt.Printf("%s %s\n", label.Render("A:"), session.Stage3.Response)
			}
		}
		return nil
	},
}

var continueCmd = &cobra.Command{
	Use:   "continue <number> <query>",
	Short: "Ask a follow-up question in a saved conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid conversation number: %q", args[0])
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		c, err := store.GetByIndex(index)
		if err != nil {
			return err
		}

		return runQuery(cmd.Context(), strings.Join(args[1:], " "), c)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(continueCmd)
}

// openStore builds a conversation store without requiring a fully valid
// council configuration: listing history should work before members are
// configured.
func openStore() (*storage.Store, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	baseDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if root, err := worktree.FindGitRoot(baseDir); err == nil {
		baseDir = root
	}

	return storage.NewStore(cfg.Paths.ResolveConversationDir(baseDir))
}
