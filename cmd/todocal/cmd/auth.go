package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"todocal/backend"
	"todocal/internal/credentials"
	"todocal/internal/utils"
	"todocal/internal/views"
)

// newAuthCmd creates the 'auth' command group
func newAuthCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Sign in, sign out and show the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	authCmd.AddCommand(newSignInCmd("signup", "Create an account and sign in", stdout, stderr, cfg))
	authCmd.AddCommand(newSignInCmd("login", "Sign in to an existing account", stdout, stderr, cfg))
	authCmd.AddCommand(newLogoutCmd(stdout, stderr, cfg))
	authCmd.AddCommand(newWhoamiCmd(stdout, stderr, cfg))

	return authCmd
}

// newSignInCmd creates 'auth signup' or 'auth login'. Both read the email
// and password the same way and differ only in the session call.
func newSignInCmd(name, short string, stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [email]",
		Short: short,
		Long: short + ". On a terminal a form asks for the email and password; " +
			"otherwise they are read as lines from standard input.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				var email string
				if len(args) > 0 {
					email = args[0]
				}
				email, password, err := readCredentials(a, name, email)
				if err != nil {
					return err
				}

				var user *backend.User
				if name == "signup" {
					user, err = a.sess.SignUp(ctx, email, password)
				} else {
					user, err = a.sess.SignIn(ctx, email, password)
				}
				if err != nil {
					return err
				}
				utils.Debugf("signed in as %s (%s)", user.Email, user.ID)

				if a.jsonOut {
					return views.WriteJSON(a.stdout, views.NewUserJSON(a.sess.BackendName(), user, ResultActionCompleted))
				}
				_, _ = fmt.Fprintf(a.stdout, "Signed in as %s\n", user.Email)
				a.result(ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// readCredentials asks for whatever of email and password is missing
func readCredentials(a *app, title, email string) (string, string, error) {
	var password string
	if credentials.IsInteractive(a.in) && !a.conf.NoPrompt {
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Email").
				Value(&email).
				Validate(func(s string) error {
					if !strings.Contains(s, "@") {
						return errors.New("enter an email address")
					}
					return nil
				}),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		).Title("todocal " + title))
		if err := form.Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return "", "", utils.ErrSelectionCancelled
			}
			return "", "", err
		}
		return strings.TrimSpace(email), password, nil
	}

	if email == "" {
		var err error
		if email, err = a.prompter.Line("Email"); err != nil {
			return "", "", fmt.Errorf("read email: %w", err)
		}
	}
	password, err := credentials.PromptPassword(a.in, a.stdout, a.prompter, "Password")
	if err != nil {
		return "", "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(email), password, nil
}

func newLogoutCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				if err := a.sess.SignOut(ctx); err != nil {
					return a.explain(err)
				}
				if a.jsonOut {
					return views.WriteJSON(a.stdout, views.NewUserJSON(a.sess.BackendName(), nil, ResultActionCompleted))
				}
				_, _ = fmt.Fprintln(a.stdout, "Signed out")
				a.result(ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newWhoamiCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				user := a.sess.User()
				if a.jsonOut {
					return views.WriteJSON(a.stdout, views.NewUserJSON(a.sess.BackendName(), user, ResultInfoOnly))
				}
				if user == nil {
					_, _ = fmt.Fprintf(a.stdout, "Not signed in (%s backend)\n", a.sess.BackendName())
				} else {
					_, _ = fmt.Fprintf(a.stdout, "%s (%s backend)\nid: %s\n", user.Email, a.sess.BackendName(), user.ID)
				}
				a.result(ResultInfoOnly)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
