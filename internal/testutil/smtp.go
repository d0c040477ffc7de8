package testutil

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"
)

// Credentials accepted by the fake relay
const (
	RelayUser     = "mailer"
	RelayPassword = "s3cret"
)

// RelayMessage is one message accepted by the fake relay. Data has LF line endings.
type RelayMessage struct {
	From string
	To   []string
	Data string
}

// Relay is an in-process SMTP server standing in for the real relay. It accepts PLAIN auth
// over plaintext connections.
type Relay struct {
	mu       sync.Mutex
	messages []RelayMessage
	sessions int

	// rejectRcpt names a receiver refused with 550
	rejectRcpt string
	// rejectData makes DATA fail with 451 when set
	rejectData bool

	server *smtp.Server
	// Port is the loopback port the relay listens on
	Port int
}

// StartRelay starts a relay on 127.0.0.1 that is closed when the test ends
func StartRelay(t testing.TB) *Relay {
	t.Helper()
	return StartIdleRelay(t, 10*time.Second)
}

// StartIdleRelay starts a relay that hangs up on sessions silent for longer than idle, the way
// production relays end idle connections
func StartIdleRelay(t testing.TB, idle time.Duration) *Relay {
	t.Helper()

	relay := &Relay{}

	server := smtp.NewServer(relay)
	server.Domain = "localhost"
	server.AllowInsecureAuth = true
	server.ReadTimeout = idle
	server.WriteTimeout = 10 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	relay.server = server
	relay.Port = l.Addr().(*net.TCPAddr).Port

	go func() {
		_ = server.Serve(l)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return relay
}

// Reject refuses rcpt with 550 and, when data is set, fails DATA with 451
func (r *Relay) Reject(rcpt string, data bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectRcpt = rcpt
	r.rejectData = data
}

// Received returns the accepted messages
func (r *Relay) Received() []RelayMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RelayMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// Sessions returns the number of connections opened so far
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// NewSession implements smtp.Backend
func (r *Relay) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	r.mu.Lock()
	r.sessions++
	r.mu.Unlock()
	return &relaySession{relay: r}, nil
}

type relaySession struct {
	relay  *Relay
	authed bool
	from   string
	to     []string
}

var errAuthRequired = &smtp.SMTPError{
	Code:         530,
	EnhancedCode: smtp.EnhancedCode{5, 7, 0},
	Message:      "Authentication required",
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != RelayUser || password != RelayPassword {
			return errors.New("invalid credentials")
		}
		s.authed = true
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return errAuthRequired
	}
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.relay.mu.Lock()
	reject := s.relay.rejectRcpt
	s.relay.mu.Unlock()

	if to == reject {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()

	if s.relay.rejectData {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Try again later",
		}
	}

	s.relay.messages = append(s.relay.messages, RelayMessage{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: strings.ReplaceAll(string(data), "\r\n", "\n"),
	})
	return nil
}

func (s *relaySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *relaySession) Logout() error {
	return nil
}
