package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nikhil/eaven-sync/internal/models"
)

func init() {
	watchCmd.Flags().BoolP("interactive", "i", false, "send each line typed on stdin")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <channel>",
	Short: "Follow a channel live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()
		cmd.SetContext(ctx)

		c, ch, err := open(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Watching %s. Ctrl-C to stop.\n\n", channelLabel(ch))

		msgs, cancelMsgs := c.session.Messages()
		defer cancelMsgs()
		typers, cancelTypers := c.session.TypingUsers()
		defer cancelTypers()

		lines := make(chan string)
		if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
			go scanLines(os.Stdin, lines)
		}

		p := newPrinter(out, c.profile.UserID)
		for {
			select {
			case <-ctx.Done():
				return nil
			case list := <-msgs:
				p.messages(list, time.Now())
			case users := <-typers:
				p.typing(users)
			case line, ok := <-lines:
				if !ok {
					lines = nil
					continue
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := c.session.SendMessage(ctx, line, ""); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
		}
	},
}

func scanLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// printer writes each message once, when it is first seen confirmed, and
// typing changes as they happen.
type printer struct {
	w          io.Writer
	selfID     string
	seen       map[string]bool
	lastTyping string
}

func newPrinter(w io.Writer, selfID string) *printer {
	return &printer{w: w, selfID: selfID, seen: make(map[string]bool)}
}

func (p *printer) messages(list []models.Message, now time.Time) {
	for _, m := range list {
		if m.IsPlaceholder() || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		printMessage(p.w, m, p.selfID, now)
	}
}

func (p *printer) typing(users []models.TypingMarker) {
	line := typingLine(users)
	if line == p.lastTyping {
		return
	}
	p.lastTyping = line
	if line != "" {
		fmt.Fprintf(p.w, "... %s\n", line)
	}
}
