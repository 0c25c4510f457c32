package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"autopilot/pkg/config"
)

const maxPasswordAttempts = 3

func newSecretsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted credentials file",
		Long: `Credentials (ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_GENAI_API_KEY) are stored
AES-GCM encrypted next to the database. Values in the file win over the environment.
Set AUTOPILOT_SECRETS_PASSWORD to skip the passphrase prompt.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set NAME [VALUE]",
			Short: "Store a secret (prompts for the value when omitted)",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, password, err := openSecrets(opts, true)
				if err != nil {
					return err
				}
				value := ""
				if len(args) == 2 {
					value = args[1]
				} else if value, err = opts.password(fmt.Sprintf("Value for %s: ", args[0])); err != nil {
					return err
				}
				if value == "" {
					return fmt.Errorf("empty value for %s", args[0])
				}
				store.Set(args[0], value)
				if err := store.Save(password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Stored %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, password, err := openSecrets(opts, false)
				if err != nil {
					return err
				}
				store.Delete(args[0])
				if err := store.Save(password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "🗑️ Deleted %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored secret names",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, _, err := openSecrets(opts, false)
				if err != nil {
					return err
				}
				for _, name := range store.Names() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
	)
	return cmd
}

// openSecrets unlocks the secrets file and returns the passphrase for saving. With create set,
// a missing file is started empty under a newly chosen passphrase.
func openSecrets(opts *rootOptions, create bool) (*config.SecretStore, string, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, "", err
	}
	path := config.DefaultSecretsPath(cfg.Persistence.DBPath)
	store := config.NewSecretStore(path)

	if !store.Exists() {
		if !create {
			return nil, "", fmt.Errorf("no secrets file at %s", path)
		}
		password, err := newPassword(opts)
		if err != nil {
			return nil, "", err
		}
		return store, password, nil
	}

	password := os.Getenv(envSecretsPassword)
	if password == "" {
		if password, err = opts.password("🔐 Secrets passphrase: "); err != nil {
			return nil, "", err
		}
	}
	if err := store.Unlock(password); err != nil {
		return nil, "", err
	}
	return store, password, nil
}

// newPassword asks for a passphrase twice until both entries match.
func newPassword(opts *rootOptions) (string, error) {
	if password := os.Getenv(envSecretsPassword); password != "" {
		return password, nil
	}
	for attempt := 1; attempt <= maxPasswordAttempts; attempt++ {
		first, err := opts.password("🔐 New secrets passphrase: ")
		if err != nil {
			return "", err
		}
		second, err := opts.password("Confirm passphrase: ")
		if err != nil {
			return "", err
		}
		if first == "" {
			fmt.Fprintln(os.Stderr, "❌ The passphrase must not be empty.")
			continue
		}
		if first == second {
			return first, nil
		}
		fmt.Fprintln(os.Stderr, "❌ Passphrases do not match.")
	}
	return "", fmt.Errorf("passphrases did not match after %d attempts", maxPasswordAttempts)
}
