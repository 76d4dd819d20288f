package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/foxzi/followup/internal/app"
	"github.com/foxzi/followup/internal/config"
	"github.com/foxzi/followup/internal/secret"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage stored SMTP passwords",
	Long: `Manage SMTP passwords kept encrypted in the state database. The encryption
key is derived from the passphrase in the environment variable named by
secrets.key_env (FOLLOWUP_SECRET_KEY by default).`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set [account]",
	Short: "Store the password or API key for an account (default: smtp.username)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSecretSet,
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete [account]",
	Short: "Delete the stored password for an account",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSecretDelete,
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with a stored password",
	RunE:  runSecretList,
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretDeleteCmd, secretListCmd)
	rootCmd.AddCommand(secretCmd)
}

func openSecrets() (*app.App, *secret.Store, error) {
	a, err := openApp()
	if err != nil {
		return nil, nil, err
	}
	if a.Secrets() == nil {
		a.Close()
		return nil, nil, fmt.Errorf("%w: set the passphrase environment variable first", secret.ErrNoPassphrase)
	}
	return a, a.Secrets(), nil
}

func accountArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.SMTP.Mode == config.ModeResend {
		return cfg.SMTP.ResendKeyAccount, nil
	}
	if cfg.SMTP.Username == "" {
		return "", fmt.Errorf("no account given and smtp.username is empty")
	}
	return cfg.SMTP.Username, nil
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	account, err := accountArg(args)
	if err != nil {
		return err
	}

	password, err := readPassword(fmt.Sprintf("Password for %s: ", account))
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("empty password")
	}

	a, store, err := openSecrets()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := store.Set(account, password); err != nil {
		return err
	}
	fmt.Printf("Password stored for %s\n", account)
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	account, err := accountArg(args)
	if err != nil {
		return err
	}

	a, store, err := openSecrets()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := store.Delete(account); err != nil {
		return err
	}
	fmt.Printf("Password deleted for %s\n", account)
	return nil
}

func runSecretList(cmd *cobra.Command, args []string) error {
	a, store, err := openSecrets()
	if err != nil {
		return err
	}
	defer a.Close()

	accounts, err := store.Accounts()
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No stored passwords")
		return nil
	}
	for _, account := range accounts {
		fmt.Println(account)
	}
	return nil
}

// readPassword reads without echo from a terminal, or one line from a pipe
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(data), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
