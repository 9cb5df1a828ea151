package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/client"
	"github.com/nikhil/eaven-sync/internal/config"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/session"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "eaven",
	Short: "Terminal client for the eaven chat gateway",
	Long: `eaven signs in to a gateway server, lists your channels and lets you
read, send and follow messages from the terminal.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log client activity to stderr")
	rootCmd.PersistentFlags().StringP("profile", "p", "", "profile file (default is $EAVEN_PROFILE or $HOME/.eaven.yaml)")
}

// exitCode gives scripts something to branch on.
func exitCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return 2
	case apperr.KindAccessDenied:
		return 3
	case apperr.KindTransient:
		return 4
	default:
		return 1
	}
}

func profilePath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("profile"); p != "" {
		return p
	}
	return config.DefaultProfilePath()
}

func cliLogger(cmd *cobra.Command) *logger.Logger {
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		return logger.NewStderrLogger("eaven-cli")
	}
	return logger.NewNop()
}

// signalContext is cancelled on Ctrl-C.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// conn bundles what a signed-in command needs.
type conn struct {
	profile config.Profile
	remote  *client.Remote
	session *session.Session
	log     *logger.Logger
}

func (c *conn) Close() {
	c.session.Close()
	_ = c.remote.Close()
	_ = c.log.Sync()
}

func (c *conn) self() models.Profile {
	return models.Profile{ID: c.profile.UserID, OrgID: c.profile.OrgID, DisplayName: c.profile.DisplayName}
}

// connect opens a session with the saved profile. The channel list is
// loaded so names resolve.
func connect(ctx context.Context, cmd *cobra.Command) (*conn, error) {
	p, err := config.LoadProfile(profilePath(cmd))
	if err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, apperr.AccessDenied("connect", "not signed in; run `eaven login` first")
	}
	log := cliLogger(cmd)
	remote, err := client.New(p.ServerURL, p.Token, log, client.Options{})
	if err != nil {
		return nil, err
	}
	c := &conn{profile: p, remote: remote, log: log}
	c.session = session.New(remote, c.self(), log, session.Options{})
	if _, err := c.session.LoadChannels(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
