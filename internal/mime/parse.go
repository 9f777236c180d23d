// Package mime normalizes raw MIME messages into the flat shape the
// cache stores: sender, subject, date, body text, and attachment
// descriptors. Parsing is done with enmime.
package mime

import (
	"bytes"
	"html"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/fameoflight/mailsweep/internal/textutil"
)

// Message is a parsed email message.
type Message struct {
	Subject     string
	FromEmail   string
	FromName    string
	FromDomain  string
	Date        time.Time // zero when the Date header is absent or unparseable
	BodyText    string
	BodyHTML    string
	Attachments []Attachment
}

// Attachment describes one MIME part carrying a filename.
type Attachment struct {
	PartID   string // enmime part path, e.g. "2" or "1.3"
	Filename string
	MimeType string
	Size     int64
}

// Parse parses raw MIME data into a Message.
func Parse(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:  textutil.EnsureUTF8(env.GetHeader("Subject")),
		BodyText: textutil.EnsureUTF8(env.Text),
		BodyHTML: env.HTML,
	}

	msg.FromName, msg.FromEmail = ParseSender(env.GetHeader("From"))
	msg.FromName = textutil.EnsureUTF8(msg.FromName)
	msg.FromDomain = Domain(msg.FromEmail)

	if dateStr := env.GetHeader("Date"); dateStr != "" {
		if t, ok := parseDate(dateStr); ok {
			msg.Date = t
		}
	}

	// Walk the part tree from the top-level payload down, collecting
	// every part that carries a filename, whatever its nesting depth.
	collectAttachments(env.Root, &msg.Attachments)

	return msg, nil
}

// collectAttachments recursively visits part and its subtree.
func collectAttachments(part *enmime.Part, out *[]Attachment) {
	if part == nil {
		return
	}
	if part.FileName != "" {
		*out = append(*out, Attachment{
			PartID:   part.PartID,
			Filename: textutil.EnsureUTF8(part.FileName),
			MimeType: baseMediaType(part.ContentType),
			Size:     int64(len(part.Content)),
		})
	}
	for child := part.FirstChild; child != nil; child = child.NextSibling {
		collectAttachments(child, out)
	}
}

// baseMediaType strips parameters like "; charset=utf-8".
func baseMediaType(ct string) string {
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// senderPattern matches the "Display Name <addr@host>" header form.
var senderPattern = regexp.MustCompile(`^\s*"?([^"<]*?)"?\s*<([^>]+)>\s*$`)

// ParseSender extracts a display name and address from a free-form From
// header. It understands "Name <addr>" and bare-address forms; anything
// else yields the raw header as the address.
func ParseSender(header string) (name, email string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ""
	}

	if addr, err := mail.ParseAddress(header); err == nil {
		return addr.Name, strings.ToLower(addr.Address)
	}

	// Headers that net/mail rejects (unquoted specials, stray commas)
	// still usually follow the Name <addr> shape.
	if m := senderPattern.FindStringSubmatch(header); m != nil {
		return strings.TrimSpace(m[1]), strings.ToLower(strings.TrimSpace(m[2]))
	}

	return "", strings.ToLower(header)
}

// Domain returns the domain part of an email address, lowercased.
func Domain(email string) string {
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return strings.ToLower(email[idx+1:])
	}
	return ""
}

// dateFormats lists common email date formats, most likely first.
var dateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"02 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	time.RFC3339,
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// parseDate parses a Date header, tolerating a trailing parenthesized
// timezone name like "(UTC)". Returns the time in UTC.
func parseDate(s string) (time.Time, bool) {
	s = strings.Join(strings.Fields(s), " ")

	base := s
	if idx := strings.LastIndex(s, "("); idx > 0 {
		base = strings.TrimSpace(s[:idx])
	}

	for _, format := range dateFormats {
		if t, err := time.Parse(format, base); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var (
	scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTagRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	blockTagRe  = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|blockquote|pre|table|ul|ol)[^>]*>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]*>`)
)

// StripHTML removes tags, decodes entities, and normalizes whitespace so
// HTML-only messages still yield a readable cached body.
func StripHTML(rawHTML string) string {
	text := scriptTagRe.ReplaceAllString(rawHTML, "")
	text = styleTagRe.ReplaceAllString(text, "")
	text = blockTagRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = strings.ReplaceAll(text, " ", " ")

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")
	// Adjacent block tags (</p><p>, <div></div>) each emit a newline;
	// collapse the runs so the cached body has one break per block.
	for strings.Contains(text, "\n\n") {
		text = strings.ReplaceAll(text, "\n\n", "\n")
	}
	return strings.TrimSpace(text)
}

// Body returns the best available body text: plain text when present,
// otherwise stripped HTML.
func (m *Message) Body() string {
	if m.BodyText != "" {
		return m.BodyText
	}
	if m.BodyHTML != "" {
		return textutil.EnsureUTF8(StripHTML(m.BodyHTML))
	}
	return ""
}
