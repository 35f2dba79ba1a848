package inbox

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Email is one message fetched from the order mailbox
type Email struct {
	UID        uint32 // IMAP UID for flag updates
	MessageID  string
	From       string
	Subject    string
	Body       string // All text/plain parts, concatenated
	HTMLBody   string
	ReceivedAt time.Time
}

// Text returns the plain-text body, or the visible text of the HTML body when the
// message has no plain part.
func (e *Email) Text() string {
	if strings.TrimSpace(e.Body) != "" {
		return e.Body
	}
	if e.HTMLBody == "" {
		return ""
	}
	return htmlToText(e.HTMLBody)
}

// htmlToText keeps line structure: block elements and <br> end a line. Runs of
// whitespace, non-breaking spaces included, collapse to one space.
func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, tr, li, h1, h2, h3, h4, table").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	doc.Find("td, th").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// ParseMessage reads an RFC 5322 message. Parts in any charset known to go-message
// are decoded to UTF-8.
func ParseMessage(r io.Reader) (*Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	email := &Email{}
	h := mr.Header
	email.MessageID, _ = h.MessageID()
	email.Subject, _ = h.Subject()
	email.ReceivedAt, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].Address
	}
	if email.MessageID != "" {
		email.MessageID = "<" + email.MessageID + ">"
	}

	var plain strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if plain.Len() > 0 || email.HTMLBody != "" {
				break
			}
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			switch {
			case ct == "" || strings.HasPrefix(ct, "text/plain"):
				plain.Write(body)
			case strings.HasPrefix(ct, "text/html") && email.HTMLBody == "":
				email.HTMLBody = string(body)
			}
		}
	}
	email.Body = plain.String()
	return email, nil
}
