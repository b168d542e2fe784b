package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/baas-console/internal/auth"
)

// passwordEnv lets scripts sign in without a prompt.
const passwordEnv = "CONSOLE_PASSWORD"

// errNotSignedIn is returned by commands that need a stored session.
var errNotSignedIn = errors.New("not signed in, run 'console login' first")

// newRootCmd builds the command tree. Every subcommand opens the app from
// the --config flag and closes it when done.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "console",
		Short: "Single-operator console for a hosted backend",
		Long: `console keeps one signed-in session against a hosted backend and serves a
role-gated HTTP API and WebSocket relay for the console views.

Configuration comes from the YAML file given by --config (or CONSOLE_CONFIG),
a .env file next to it, and CONSOLE_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file (default: CONSOLE_CONFIG, else built-in defaults)")

	withApp := func(fn func(cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(cmd, a)
		}
	}

	root.AddCommand(
		newServeCmd(withApp),
		newLoginCmd(withApp),
		newLogoutCmd(withApp),
		newTokenCmd(withApp),
		newWhoamiCmd(withApp),
	)
	return root
}

type appRunner func(fn func(cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error

func newServeCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			return serve(cmd.Context(), a)
		}),
	}
}

func newLoginCmd(withApp appRunner) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long: `Sign in with email and password. The session is stored in the local
database and picked up by 'console serve'.

The password is read from CONSOLE_PASSWORD, or from the first line of
standard input.

Examples:
  console login --email ada@example.com
  CONSOLE_PASSWORD=secret console login --email ada@example.com`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}

			sess, err := a.identity.SignInWithPassword(cmd.Context(), email, password)
			if err != nil {
				return fmt.Errorf("sign-in failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Signed in as %s\n", sess.User.Email)
			printRole(out, sess.User)
			return nil
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	return cmd
}

func newLogoutCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			out := cmd.OutOrStdout()
			if err := a.identity.SignOut(cmd.Context()); err != nil {
				fmt.Fprintf(out, "Warning: remote sign-out failed: %v\n", err)
			}
			fmt.Fprintln(out, "Signed out.")
			return nil
		}),
	}
}

func newTokenCmd(withApp appRunner) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Show the stored tokens, their expiry and decoded claims",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			sess, err := a.identity.Session(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading session: %w", err)
			}
			if sess == nil {
				return errNotSignedIn
			}

			info := auth.DescribeSession(sess, time.Now())
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printTokenInfo(out, info)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newWhoamiCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity as the service currently sees it",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			id, err := a.identity.CurrentIdentity(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading identity: %w", err)
			}
			if id == nil {
				return errNotSignedIn
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User ID:  %s\n", id.ID)
			fmt.Fprintf(out, "Email:    %s\n", id.Email)
			if name := id.FullName(); name != "" {
				fmt.Fprintf(out, "Name:     %s\n", name)
			}
			if p := id.Provider(); p != "" {
				fmt.Fprintf(out, "Provider: %s\n", p)
			}
			printRole(out, id)
			return nil
		}),
	}
}

// readPassword takes CONSOLE_PASSWORD, else the first line of in.
func readPassword(in io.Reader) (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", fmt.Errorf("no password: set %s or pipe it on stdin", passwordEnv)
	}
	return pw, nil
}

func printRole(out io.Writer, id *auth.Identity) {
	role, err := id.Role()
	if err != nil {
		fmt.Fprintf(out, "Role:     unrecognised (%v)\n", err)
		return
	}
	fmt.Fprintf(out, "Role:     %s\n", role)
}

func printTokenInfo(out io.Writer, info auth.TokenInfo) {
	fmt.Fprintf(out, "Token type:    %s\n", info.TokenType)
	fmt.Fprintf(out, "Access token:  %s\n", info.AccessToken)
	if info.RefreshToken != "" {
		fmt.Fprintf(out, "Refresh token: %s\n", info.RefreshToken)
	}
	if !info.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "Expires at:    %s\n", info.ExpiresAt.Local().Format(time.RFC1123))
	}
	if info.Expired {
		fmt.Fprintln(out, "Status:        expired")
	} else {
		fmt.Fprintf(out, "Status:        valid, %d minutes remaining\n", info.MinutesRemaining)
	}
	if c := info.Claims; c != nil {
		fmt.Fprintf(out, "Subject:       %s\n", c.Subject)
		if c.Email != "" {
			fmt.Fprintf(out, "Email:         %s\n", c.Email)
		}
		if c.DBRole != "" {
			fmt.Fprintf(out, "Database role: %s\n", c.DBRole)
		}
	}
}
