// Package email builds raw RFC 2822 messages for tests.
package email

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Options configures a simple single-part raw message.
type Options struct {
	From    string
	Subject string
	Date    string
	Body    string
	Headers map[string]string
}

// MakeRaw constructs a raw message with \r\n line endings.
func MakeRaw(opts Options) []byte {
	var b strings.Builder

	if opts.From == "" {
		opts.From = "sender@example.com"
	}
	if opts.Subject == "" {
		opts.Subject = "Test"
	}
	if opts.Date == "" {
		opts.Date = "Mon, 01 Jan 2024 12:00:00 +0000"
	}

	b.WriteString("From: " + opts.From + "\r\n")
	b.WriteString("To: recipient@example.com\r\n")
	b.WriteString("Subject: " + opts.Subject + "\r\n")
	b.WriteString("Date: " + opts.Date + "\r\n")

	keys := make([]string, 0, len(opts.Headers))
	for k := range opts.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + opts.Headers[k] + "\r\n")
	}

	b.WriteString("\r\n")
	b.WriteString(opts.Body)

	return []byte(b.String())
}

// Attachment is a file part for MakeMultipart.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// MakeMultipart constructs a multipart/mixed message with a text body and
// the given attachments. Attachments after the first are nested inside an
// inner multipart/mixed container so tests exercise deep part trees.
func MakeMultipart(opts Options, attachments ...Attachment) []byte {
	const outer = "outer-boundary"
	const inner = "inner-boundary"

	if opts.From == "" {
		opts.From = "sender@example.com"
	}
	if opts.Subject == "" {
		opts.Subject = "Test"
	}
	if opts.Date == "" {
		opts.Date = "Mon, 01 Jan 2024 12:00:00 +0000"
	}
	if opts.Body == "" {
		opts.Body = "body text"
	}

	var b strings.Builder
	b.WriteString("From: " + opts.From + "\r\n")
	b.WriteString("To: recipient@example.com\r\n")
	b.WriteString("Subject: " + opts.Subject + "\r\n")
	b.WriteString("Date: " + opts.Date + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\r\n", outer))
	b.WriteString("\r\n")

	b.WriteString("--" + outer + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(opts.Body + "\r\n")

	writePart := func(boundary string, att Attachment) {
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString(fmt.Sprintf("Content-Type: %s; name=%q\r\n", ct, att.Filename))
		b.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n", att.Filename))
		b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		b.WriteString(base64.StdEncoding.EncodeToString(att.Data) + "\r\n")
	}

	if len(attachments) > 0 {
		writePart(outer, attachments[0])
	}

	if len(attachments) > 1 {
		b.WriteString("--" + outer + "\r\n")
		b.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\r\n\r\n", inner))
		for _, att := range attachments[1:] {
			writePart(inner, att)
		}
		b.WriteString("--" + inner + "--\r\n")
	}

	b.WriteString("--" + outer + "--\r\n")
	return []byte(b.String())
}
