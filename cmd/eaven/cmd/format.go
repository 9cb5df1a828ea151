package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/channels"
	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/reactions"
	"github.com/nikhil/eaven-sync/internal/reads"
)

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func channelLabel(ch models.Channel) string {
	if ch.Kind == models.KindDirect {
		return "@" + channels.DisplayName(ch)
	}
	return "#" + channels.DisplayName(ch)
}

func printChannels(w io.Writer, list []models.Channel, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No channels.")
		return
	}
	for _, ch := range list {
		unread := ""
		if ch.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%s unread)", humanize.Comma(int64(ch.UnreadCount)))
		}
		fmt.Fprintf(w, "%-24s %-12s%s\n", channelLabel(ch), ago(ch.LastActivity(), now), unread)
		if ch.LastMessage != nil {
			fmt.Fprintf(w, "    %s\n", preview(ch.LastMessage.Content, 60))
		}
	}
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func authorName(m models.Message) string {
	if m.Author.DisplayName != "" {
		return m.Author.DisplayName
	}
	return m.AuthorID
}

func printMessage(w io.Writer, m models.Message, selfID string, now time.Time) {
	var flags []string
	if m.IsPinned {
		flags = append(flags, "pinned")
	}
	if m.IsStarred {
		flags = append(flags, "starred")
	}
	if m.IsEdited {
		flags = append(flags, "edited")
	}
	if m.IsPlaceholder() {
		flags = append(flags, string(m.Status))
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " [" + strings.Join(flags, ", ") + "]"
	}

	fmt.Fprintf(w, "%s  %s (%s)%s\n", m.ID, authorName(m), ago(m.CreatedAt, now), suffix)
	if m.ReplyMessage != nil {
		fmt.Fprintf(w, "  > %s: %s\n", m.ReplyMessage.AuthorName, preview(m.ReplyMessage.Content, 50))
	}
	if m.Content != "" {
		for _, line := range strings.Split(m.Content, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	for _, a := range m.Attachments {
		fmt.Fprintf(w, "  [%s] %s (%s)\n", a.Kind, a.Name, humanize.Bytes(uint64(a.Size)))
	}
	if s := reactionLine(m.Reactions, selfID); s != "" {
		fmt.Fprintf(w, "  %s\n", s)
	}
}

// reactionLine shows each emoji in first-used order; yours are starred.
func reactionLine(list []models.Reaction, selfID string) string {
	groups := reactions.Ordered(list, selfID)
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = fmt.Sprintf("%s %d", g.Emoji, g.Count)
		if g.ReactedByMe {
			parts[i] += "*"
		}
	}
	return strings.Join(parts, "  ")
}

func printMessages(w io.Writer, list []models.Message, sep reads.Separator, selfID string, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No messages yet.")
		return
	}
	for i, m := range list {
		if i == sep.Index {
			fmt.Fprintf(w, "---- %s new ----\n", humanize.Comma(int64(sep.Count)))
		}
		printMessage(w, m, selfID, now)
	}
}

func typingLine(users []models.TypingMarker) string {
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.DisplayName
		if names[i] == "" {
			names[i] = u.UserID
		}
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1] + " are typing…"
	}
}

// resolveChannel accepts a channel id, a name, "#name" or "@person".
func resolveChannel(list []models.Channel, arg string) (models.Channel, error) {
	for _, ch := range list {
		if ch.ID == arg {
			return ch, nil
		}
	}
	want := strings.ToLower(strings.TrimLeft(arg, "#@"))
	var found []models.Channel
	for _, ch := range list {
		if strings.ToLower(channels.DisplayName(ch)) == want {
			found = append(found, ch)
		}
	}
	switch len(found) {
	case 0:
		return models.Channel{}, apperr.NotFound("resolve channel", "no channel matches "+arg)
	case 1:
		return found[0], nil
	default:
		return models.Channel{}, apperr.Validation("resolve channel", fmt.Sprintf("%q matches %d channels; use the id", arg, len(found)))
	}
}
