package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"autopilot/pkg/logx"
	"autopilot/pkg/version"
)

// Environment variables read by the CLI itself.
const (
	envUser            = "AUTOPILOT_USER"
	envProject         = "AUTOPILOT_PROJECT"
	envSecretsPassword = "AUTOPILOT_SECRETS_PASSWORD"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	dbPath     string
	projectID  string
	userID     string
	debug      bool

	// password reads a passphrase without echo.
	password func(prompt string) (string, error)
}

// newRootCmd builds the command tree. password reads passphrases; main passes terminalPassword.
func newRootCmd(password func(prompt string) (string, error)) *cobra.Command {
	opts := &rootOptions{password: password}

	cmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Autonomous execution engine for software development goals",
		Long: `autopilot plans a goal into tasks and executes them in a bounded loop with
checkpoints, pause/resume and confirmation gates. 'autopilot chat' adds a
conversational front end that classifies each message and routes it to
feature planning, execution control or status queries.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.debug {
				logx.SetDebug(true)
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a JSON, YAML or TOML config file")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides config)")
	flags.StringVarP(&opts.projectID, "project", "p", envOr(envProject, "default"), "Project identifier")
	flags.StringVarP(&opts.userID, "user", "u", envOr(envUser, "local"), "User identifier")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newRunCmd(opts),
		newChatCmd(opts),
		newResumeCmd(opts),
		newStatusCmd(opts),
		newSessionsCmd(opts),
		newSecretsCmd(opts),
		newMetricsCmd(opts),
		newEventsCmd(opts),
	)
	return cmd
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// terminalPassword prompts on stderr and reads stdin without echo.
func terminalPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := string(raw)
	for i := range raw {
		raw[i] = 0
	}
	return password, nil
}
