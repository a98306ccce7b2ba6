package irc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/huebyte/echohub/chat"
)

// MaxMessageBytes bounds the text of one outbound PRIVMSG.
const MaxMessageBytes = 400

// Formatter converts chat messages into PRIVMSG lines. It is stateless.
type Formatter struct {
	// Host is used for sender hostmasks.
	Host string
}

// Lines returns the wire lines (without CRLF) for msg, in delivery order.
func (f Formatter) Lines(msg chat.Message) []string {
	prefix := ":" + hostmask(msg.SenderUsername, msg.SenderUsername, f.Host) + " PRIVMSG " + ircChannel(msg.Channel) + " :"

	var texts []string
	for _, line := range strings.Split(msg.Content, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		texts = append(texts, SplitMessage(line, MaxMessageBytes)...)
	}
	for _, e := range msg.Embeds {
		texts = append(texts, SplitMessage(embedLine(e), MaxMessageBytes)...)
	}
	if msg.Attachment != nil && msg.Kind != chat.KindText {
		texts = append(texts, attachmentLines(msg.Kind, *msg.Attachment)...)
	}

	out := make([]string, 0, len(texts))
	for _, t := range texts {
		out = append(out, prefix+t)
	}
	return out
}

func embedLine(e chat.Embed) string {
	var b strings.Builder
	b.WriteString("[link]")
	if e.Title != "" {
		b.WriteString(" ")
		b.WriteString(e.Title)
	}
	if e.SiteName != "" {
		b.WriteString(" (")
		b.WriteString(e.SiteName)
		b.WriteString(")")
	}
	if e.Description != "" {
		if e.Title != "" || e.SiteName != "" {
			b.WriteString(":")
		}
		b.WriteString(" ")
		b.WriteString(e.Description)
	}
	b.WriteString(" ")
	b.WriteString(e.URL)
	return b.String()
}

func attachmentLines(kind chat.MessageKind, a chat.Attachment) []string {
	announce := fmt.Sprintf("[%s] %s", kind, a.FileName)
	if a.Size > 0 {
		announce += " (" + FormatSize(a.Size) + ")"
	}
	lines := []string{announce}
	if a.URL != "" {
		lines = append(lines, "[download] "+a.URL)
	}
	if kind == chat.KindImage && a.ASCIIArt != "" {
		for _, row := range strings.Split(a.ASCIIArt, "\n") {
			row = strings.TrimRight(row, "\r")
			if strings.TrimSpace(row) == "" {
				continue
			}
			lines = append(lines, RenderColors(row))
		}
	}
	return lines
}

// FormatSize renders a byte count with a binary unit.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// SplitMessage splits content on whitespace into chunks of at most maxBytes
// UTF-8 bytes. A single word longer than maxBytes is emitted whole.
func SplitMessage(content string, maxBytes int) []string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}
	var (
		chunks []string
		cur    strings.Builder
	)
	for _, w := range words {
		switch {
		case cur.Len() == 0:
			cur.WriteString(w)
		case cur.Len()+1+len(w) <= maxBytes:
			cur.WriteByte(' ')
			cur.WriteString(w)
		default:
			chunks = append(chunks, cur.String())
			cur.Reset()
			cur.WriteString(w)
		}
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

var colorMarkup = regexp.MustCompile(`\[#([0-9a-fA-F]{6})\]|\[/\]`)

const ansiReset = "\x1b[0m"

// RenderColors translates [#RRGGBB] and [/] markup to 24-bit ANSI escapes.
// A colour left open at the end of the line is reset.
func RenderColors(line string) string {
	open := false
	out := colorMarkup.ReplaceAllStringFunc(line, func(tag string) string {
		if tag == "[/]" {
			open = false
			return ansiReset
		}
		hex := tag[2:8]
		r, _ := strconv.ParseUint(hex[0:2], 16, 8)
		g, _ := strconv.ParseUint(hex[2:4], 16, 8)
		b, _ := strconv.ParseUint(hex[4:6], 16, 8)
		open = true
		return fmt.Sprintf("\x1b[38;2;%d;%d;%dm", r, g, b)
	})
	if open {
		out += ansiReset
	}
	return out
}
