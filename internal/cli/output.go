package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"chatsync/pkg/models"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// resolveFormat picks the output format: the flag, then the profile, then
// text for terminals and json for pipes.
func resolveFormat(flag string, p *Profile) (string, error) {
	f := flag
	if f == "" && p != nil {
		f = p.OutputFormat
	}
	if f == "" {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return formatText, nil
		}
		return formatJSON, nil
	}
	f = strings.ToLower(f)
	if f != formatText && f != formatJSON {
		return "", fmt.Errorf("unknown output format %q", f)
	}
	return f, nil
}

type printer struct {
	w      io.Writer
	format string
	now    func() time.Time
}

func (p *printer) json(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) conversations(convs []models.Conversation, self string) error {
	if p.format == formatJSON {
		return p.json(convs)
	}
	if len(convs) == 0 {
		fmt.Fprintln(p.w, "no conversations")
		return nil
	}
	for _, c := range convs {
		peers := make([]string, 0, len(c.Participants))
		for _, id := range c.Participants {
			if id != self {
				peers = append(peers, id)
			}
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		preview := ""
		if c.LastMessage != nil {
			preview = " " + messageBody(*c.LastMessage)
		}
		when := ""
		if !c.LastMessageAt.IsZero() {
			when = " " + humanize.RelTime(c.LastMessageAt, p.now(), "ago", "from now")
		}
		fmt.Fprintf(p.w, "%s  %s%s%s%s\n", c.ID, strings.Join(peers, ","), unread, when, preview)
	}
	return nil
}

func (p *printer) conversation(c models.Conversation) error {
	if p.format == formatJSON {
		return p.json(c)
	}
	fmt.Fprintf(p.w, "%s  %s\n", c.ID, strings.Join(c.Participants, ","))
	return nil
}

func (p *printer) messages(msgs []models.Message) error {
	if p.format == formatJSON {
		return p.json(msgs)
	}
	for _, m := range msgs {
		if err := p.message(m); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) message(m models.Message) error {
	if p.format == formatJSON {
		return p.json(m)
	}
	flags := ""
	if m.IsEdited {
		flags += " (edited)"
	}
	if m.DeliveryState != "" && m.DeliveryState != models.DeliverySent {
		flags += " [" + string(m.DeliveryState) + "]"
	}
	fmt.Fprintf(p.w, "%s %s %s: %s%s\n", m.CreatedAt.Local().Format("Jan 2 15:04"), m.ID, m.SenderID, messageBody(m), flags)
	return nil
}

func (p *printer) line(format string, args ...interface{}) {
	if p.format == formatJSON {
		return
	}
	fmt.Fprintf(p.w, format+"\n", args...)
}

func messageBody(m models.Message) string {
	switch {
	case m.IsDeleted:
		return "<deleted>"
	case m.AudioRef != nil:
		if m.AudioRef.Duration > 0 {
			return fmt.Sprintf("<audio %s>", m.AudioRef.Duration.Round(time.Second))
		}
		return "<audio>"
	}
	return m.Content
}
