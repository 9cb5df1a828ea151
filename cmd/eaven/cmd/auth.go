package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/auth"
	"github.com/nikhil/eaven-sync/internal/client"
	"github.com/nikhil/eaven-sync/internal/config"
)

func init() {
	for _, c := range []*cobra.Command{loginCmd, signupCmd} {
		c.Flags().String("server", "", "gateway URL (default is the saved one, or http://localhost:8080)")
		c.Flags().StringP("email", "e", "", "account email")
		c.Flags().String("password", "", "password (prompted when empty)")
	}
	signupCmd.Flags().StringP("name", "n", "", "display name")
	signupCmd.Flags().StringP("org", "o", "", "organization id")

	rootCmd.AddCommand(loginCmd, signupCmd, logoutCmd, whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and save the token to the profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.LoadProfile(profilePath(cmd))
		if err != nil {
			return err
		}
		in := bufio.NewReader(os.Stdin)
		server := serverFlag(cmd, p)
		email, err := flagOrPrompt(cmd, in, "email", "Email: ")
		if err != nil {
			return err
		}
		password, err := passwordFlagOrPrompt(cmd, in)
		if err != nil {
			return err
		}

		res, err := client.Login(cmd.Context(), server, auth.LoginRequest{Email: email, Password: password}, cliLogger(cmd))
		if err != nil {
			return err
		}
		return saveSession(cmd, server, res)
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and save the token to the profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.LoadProfile(profilePath(cmd))
		if err != nil {
			return err
		}
		in := bufio.NewReader(os.Stdin)
		server := serverFlag(cmd, p)
		req := auth.SignupRequest{}
		if req.Email, err = flagOrPrompt(cmd, in, "email", "Email: "); err != nil {
			return err
		}
		if req.DisplayName, err = flagOrPrompt(cmd, in, "name", "Display name: "); err != nil {
			return err
		}
		if req.OrgID, err = flagOrPrompt(cmd, in, "org", "Organization: "); err != nil {
			return err
		}
		if req.Password, err = passwordFlagOrPrompt(cmd, in); err != nil {
			return err
		}

		res, err := client.Signup(cmd.Context(), server, req, cliLogger(cmd))
		if err != nil {
			return err
		}
		return saveSession(cmd, server, res)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := profilePath(cmd)
		p, err := config.LoadProfile(path)
		if err != nil {
			return err
		}
		p.Token, p.UserID, p.OrgID, p.DisplayName = "", "", "", ""
		if err := config.SaveProfile(path, p); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.LoadProfile(profilePath(cmd))
		if err != nil {
			return err
		}
		if p.Token == "" {
			return apperr.AccessDenied("whoami", "not signed in")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) in %s on %s\n", p.DisplayName, p.UserID, p.OrgID, p.ServerURL)
		return nil
	},
}

func serverFlag(cmd *cobra.Command, p config.Profile) string {
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		return strings.TrimRight(s, "/")
	}
	return p.ServerURL
}

func saveSession(cmd *cobra.Command, server string, res *auth.Result) error {
	path := profilePath(cmd)
	p := config.Profile{
		ServerURL:   server,
		Token:       res.Token,
		UserID:      res.User.ID,
		OrgID:       res.User.OrgID,
		DisplayName: res.User.DisplayName,
	}
	if err := config.SaveProfile(path, p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s. Profile saved to %s\n", p.DisplayName, path)
	return nil
}

func flagOrPrompt(cmd *cobra.Command, in *bufio.Reader, flag, label string) (string, error) {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v, nil
	}
	fmt.Fprint(cmd.OutOrStdout(), label)
	line, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// passwordFlagOrPrompt reads without echo when stdin is a terminal.
func passwordFlagOrPrompt(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	if v, _ := cmd.Flags().GetString("password"); v != "" {
		return v, nil
	}
	fmt.Fprint(cmd.OutOrStdout(), "Password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
