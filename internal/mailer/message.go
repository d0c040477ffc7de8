package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is one message handed to the relay. It is consumed by exactly one Send.
type Envelope struct {
	// FromName is the display name of the sender, usually the site name
	FromName string
	// From is the envelope and header sender address
	From    string
	To      []string
	Subject string
	Body    []byte
}

// SubjectFor returns the subject line used for messages sent on behalf of site
func SubjectFor(site string) string {
	return "MESSAGE FROM " + site
}

// NewEnvelope builds the envelope that carries ciphertext to the receivers
func NewEnvelope(site, sender string, receivers []string, ciphertext []byte) Envelope {
	to := make([]string, len(receivers))
	copy(to, receivers)

	return Envelope{
		FromName: site,
		From:     sender,
		To:       to,
		Subject:  SubjectFor(site),
		Body:     ciphertext,
	}
}

// validate checks the envelope before any SMTP command is issued
func (e Envelope) validate() error {
	if e.From == "" {
		return fmt.Errorf("envelope has no sender")
	}
	if len(e.To) == 0 {
		return fmt.Errorf("envelope has no receivers")
	}
	for _, rcpt := range e.To {
		if strings.ContainsAny(rcpt, "\r\n") {
			return fmt.Errorf("invalid receiver address %q", rcpt)
		}
	}
	if strings.ContainsAny(e.From, "\r\n") {
		return fmt.Errorf("invalid sender address %q", e.From)
	}
	return nil
}

// formatMessage renders the RFC 5322 message for e. The body is sent as-is apart from line
// ending normalization, so armored ciphertext stays intact.
func formatMessage(e Envelope, now time.Time) []byte {
	domain := "localhost"
	if at := strings.LastIndex(e.From, "@"); at >= 0 && at < len(e.From)-1 {
		domain = e.From[at+1:]
	}

	from := (&mail.Address{Name: e.FromName, Address: e.From}).String()

	var buf bytes.Buffer
	writeHeader(&buf, "From", from)
	writeHeader(&buf, "To", strings.Join(e.To, ", "))
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", e.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), domain))
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
	writeHeader(&buf, "Content-Transfer-Encoding", "8bit")
	buf.WriteString("\r\n")
	buf.Write(normalizeNewlines(e.Body))

	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// normalizeNewlines converts every line ending to CRLF and terminates the body with one
func normalizeNewlines(body []byte) []byte {
	body = bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	body = bytes.ReplaceAll(body, []byte("\r"), []byte("\n"))
	body = bytes.ReplaceAll(body, []byte("\n"), []byte("\r\n"))
	if !bytes.HasSuffix(body, []byte("\r\n")) {
		body = append(body, '\r', '\n')
	}
	return body
}
