package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/messages"
	"github.com/nikhil/eaven-sync/internal/models"
)

func init() {
	readCmd.Flags().IntP("last", "n", 0, "only show the last n messages")
	sendCmd.Flags().StringP("reply", "r", "", "id of the message to reply to")
	sendCmd.Flags().StringArrayP("attach", "a", nil, "file to attach (repeatable)")
	pinCmd.Flags().Bool("off", false, "unpin instead")
	starCmd.Flags().Bool("off", false, "unstar instead")

	rootCmd.AddCommand(readCmd, sendCmd, reactCmd, pinCmd, starCmd, editCmd, deleteCmd)
}

// open connects and selects the channel named by arg.
func open(cmd *cobra.Command, arg string) (*conn, models.Channel, error) {
	c, err := connect(cmd.Context(), cmd)
	if err != nil {
		return nil, models.Channel{}, err
	}
	ch, err := resolveChannel(c.session.Directory().Snapshot(), arg)
	if err != nil {
		c.Close()
		return nil, models.Channel{}, err
	}
	if err := c.session.SelectChannel(cmd.Context(), ch.ID); err != nil {
		c.Close()
		return nil, models.Channel{}, err
	}
	return c, ch, nil
}

var readCmd = &cobra.Command{
	Use:   "read <channel>",
	Short: "Print a channel's history and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ch, err := open(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		list := c.session.MessageSnapshot()
		sep := c.session.SeparatorSnapshot()
		if n, _ := cmd.Flags().GetInt("last"); n > 0 && len(list) > n {
			cut := len(list) - n
			list = list[cut:]
			if sep.Index >= 0 {
				sep.Index -= cut
			}
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s members)\n\n", channelLabel(ch), humanize.Comma(int64(ch.MemberCount)))
		printMessages(out, list, sep, c.profile.UserID, time.Now())
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <channel> [text...]",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, _ := cmd.Flags().GetStringArray("attach")
		reply, _ := cmd.Flags().GetString("reply")
		d := messages.Draft{Content: strings.Join(args[1:], " "), ReplyTo: reply}
		if strings.TrimSpace(d.Content) == "" && len(files) == 0 {
			return apperr.Validation("send", "nothing to send")
		}

		c, _, err := open(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		for _, f := range files {
			att, err := c.remote.Upload(cmd.Context(), f)
			if err != nil {
				return err
			}
			d.Attachments = append(d.Attachments, att)
		}
		m, err := c.session.SendDraft(cmd.Context(), d)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", m.ID)
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <channel> <message-id> <emoji>",
	Short: "Toggle your reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := open(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		change, err := c.session.ToggleReaction(cmd.Context(), args[1], args[2])
		if err != nil {
			return err
		}
		verb := "Removed"
		if change.Added {
			verb = "Added"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[2])
		return nil
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <channel> <message-id>",
	Short: "Pin a message for everyone in the channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		c, _, err := open(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()
		return c.session.PinMessage(cmd.Context(), args[1], !off)
	},
}

var starCmd = &cobra.Command{
	Use:   "star <channel> <message-id>",
	Short: "Star a message for yourself",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		c, _, err := open(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()
		return c.session.StarMessage(cmd.Context(), args[1], !off)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <channel> <message-id> <text...>",
	Short: "Replace the text of your message",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := open(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.session.EditMessage(cmd.Context(), args[1], strings.Join(args[2:], " "))
		return err
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <channel> <message-id>",
	Short: "Delete your message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := open(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()
		return c.session.DeleteMessage(cmd.Context(), args[1])
	},
}
