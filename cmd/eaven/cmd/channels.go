package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nikhil/eaven-sync/internal/channels"
	"github.com/nikhil/eaven-sync/internal/models"
)

func init() {
	channelsCmd.Flags().StringP("kind", "k", "", "only group or direct channels")
	channelsCmd.Flags().StringP("query", "q", "", "filter by name")
	rootCmd.AddCommand(channelsCmd, dmCmd)
}

var channelsCmd = &cobra.Command{
	Use:     "channels",
	Aliases: []string{"ls"},
	Short:   "List your channels, unread first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		query, _ := cmd.Flags().GetString("query")
		f := channels.Filter{Kind: models.ChannelKind(kind), Query: query}
		if f.Kind != "" && f.Kind != models.KindGroup && f.Kind != models.KindDirect {
			return fmt.Errorf("unknown kind %q: want group or direct", kind)
		}

		c, err := connect(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		printChannels(cmd.OutOrStdout(), c.session.Directory().View(f), time.Now())
		return nil
	},
}

var dmCmd = &cobra.Command{
	Use:   "dm <user-id> [message]",
	Short: "Open the direct channel with someone, optionally sending a message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		other := models.Profile{ID: args[0], OrgID: c.profile.OrgID, DisplayName: args[0]}
		ch, err := c.session.OpenDirect(cmd.Context(), other)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Direct channel %s\n", ch.ID)
		if len(args) == 2 {
			m, err := c.session.SendMessage(cmd.Context(), args[1], "")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Sent %s\n", m.ID)
			return nil
		}
		printMessages(out, c.session.MessageSnapshot(), c.session.SeparatorSnapshot(), c.profile.UserID, time.Now())
		return nil
	},
}
