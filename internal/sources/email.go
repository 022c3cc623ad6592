package sources

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/spigell/opportunity-radar/internal/logger"
	"github.com/spigell/opportunity-radar/internal/radar"
	"github.com/spigell/opportunity-radar/internal/secrets"
	"go.uber.org/zap"
)

const (
	defaultIMAPPort    = 993
	defaultMailbox     = "INBOX"
	defaultSinceDays   = 7
	defaultEmailLimit  = 50
	imapDialTimeout    = 30 * time.Second
	imapCommandTimeout = 60 * time.Second
)

// EmailConfig is the config block of an IMAP mailbox source.
type EmailConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	PasswordFile string   `mapstructure:"password-file"`
	PasswordEnv  string   `mapstructure:"password-env"`
	Mailbox      string   `mapstructure:"mailbox"`
	SinceDays    int      `mapstructure:"since-days"`
	Senders      []string `mapstructure:"senders"`
	Limit        int      `mapstructure:"limit"`
}

type mailMessage struct {
	UID       uint32
	MessageID string
	Subject   string
	Sender    string
	Date      time.Time
	Body      []byte
}

type mailClient interface {
	Search(ctx context.Context, since time.Time) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32) ([]mailMessage, error)
	Close() error
}

type mailDialer func(ctx context.Context, cfg EmailConfig, password string) (mailClient, error)

// Email reads recent messages from one IMAP mailbox.
type Email struct {
	source   *radar.Source
	cfg      EmailConfig
	password string
	ledger   EmailLedger
	// mailbox keys the ledger. It names the account as well as the folder
	// so UIDs of different accounts never collide.
	mailbox string
	dial    mailDialer
	now     func() time.Time
	logger  *zap.Logger
}

func NewEmail(src *radar.Source, deps Deps) (Connector, error) {
	return newEmail(src, deps, dialIMAP)
}

func newEmail(src *radar.Source, deps Deps, dial mailDialer) (*Email, error) {
	var cfg EmailConfig
	if err := decodeConfig(src, &cfg); err != nil {
		return nil, err
	}

	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" || strings.TrimSpace(cfg.Username) == "" {
		return nil, fmt.Errorf("source %q: email host and username are required: %w", src.Name, radar.ErrConfiguration)
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultIMAPPort
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = defaultMailbox
	}
	if cfg.SinceDays <= 0 {
		cfg.SinceDays = defaultSinceDays
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultEmailLimit
	}
	for i, pattern := range cfg.Senders {
		cfg.Senders[i] = strings.ToLower(strings.TrimSpace(pattern))
		if _, err := path.Match(cfg.Senders[i], ""); err != nil {
			return nil, fmt.Errorf("source %q: sender pattern %q: %w: %w", src.Name, pattern, radar.ErrConfiguration, err)
		}
	}

	password, err := secrets.Load(secrets.Source{
		Name:  fmt.Sprintf("imap password for %s", src.Name),
		Value: cfg.Password,
		File:  cfg.PasswordFile,
		Env:   cfg.PasswordEnv,
	})
	if err != nil {
		return nil, err
	}

	return &Email{
		source:   src,
		cfg:      cfg,
		password: password,
		ledger:   deps.Ledger,
		mailbox:  mailboxKey(cfg),
		dial:     dial,
		now:      time.Now,
		logger:   logger.ForSource(deps.Logger, src),
	}, nil
}

func (e *Email) Fetch(ctx context.Context) ([]radar.RawItem, error) {
	mc, err := e.dial(ctx, e.cfg, e.password)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := mc.Close(); err != nil {
			e.logger.Debug("imap logout failed", zap.Error(err))
		}
	}()

	since := e.now().AddDate(0, 0, -e.cfg.SinceDays)

	uids, err := mc.Search(ctx, since)
	if err != nil {
		return nil, err
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > e.cfg.Limit {
		uids = uids[len(uids)-e.cfg.Limit:]
	}

	e.logger.Debug("imap search done", zap.Int("messages", len(uids)), zap.Time("since", since))

	if len(uids) == 0 {
		return nil, nil
	}

	messages, err := mc.Fetch(ctx, uids)
	if err != nil {
		return nil, err
	}

	fetchedAt := e.now().UTC()
	items := make([]radar.RawItem, 0, len(messages))

	for _, msg := range messages {
		if !e.senderAllowed(msg.Sender) {
			continue
		}

		messageID := strings.TrimSpace(msg.MessageID)
		if messageID == "" {
			messageID = fmt.Sprintf("uid-%d@%s", msg.UID, e.mailbox)
		}

		if e.ledger != nil {
			recorded, err := e.ledger.EmailRecorded(ctx, e.mailbox, messageID)
			if err != nil {
				return nil, fmt.Errorf("check email ledger: %w", err)
			}
			if recorded {
				e.logger.Debug("message already delivered", zap.String("message_id", messageID))
				continue
			}
		}

		var received *time.Time
		if !msg.Date.IsZero() {
			d := msg.Date.UTC()
			received = &d
		}

		items = append(items, radar.RawItem{
			SourceID:   e.source.ID,
			Kind:       radar.KindEmail,
			Format:     radar.FormatMIME,
			Title:      msg.Subject,
			Body:       msg.Body,
			MessageID:  messageID,
			Mailbox:    e.mailbox,
			Sender:     msg.Sender,
			ReceivedAt: received,
			FetchedAt:  fetchedAt,
		})
	}

	return items, nil
}

// mailboxKey is user@host/folder, lowercased except for the folder.
func mailboxKey(cfg EmailConfig) string {
	user := strings.ToLower(strings.TrimSpace(cfg.Username))
	host := strings.ToLower(cfg.Host)
	return fmt.Sprintf("%s@%s/%s", user, host, cfg.Mailbox)
}

func (e *Email) senderAllowed(sender string) bool {
	if len(e.cfg.Senders) == 0 {
		return true
	}

	sender = strings.ToLower(strings.TrimSpace(sender))
	for _, pattern := range e.cfg.Senders {
		if ok, _ := path.Match(pattern, sender); ok {
			return true
		}
	}
	return false
}

// imapClient is the go-imap backed mailClient.
type imapClient struct {
	c       *client.Client
	mailbox string
	stop    func() bool
}

func dialIMAP(ctx context.Context, cfg EmailConfig, password string) (mailClient, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: imapDialTimeout}, addr, &tls.Config{ServerName: cfg.Host})
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w: %w", addr, radar.ErrTransientUpstream, err)
	}
	c.Timeout = imapCommandTimeout

	// go-imap v1 has no context support; dropping the connection unblocks any pending command.
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })

	if err := c.Login(cfg.Username, password); err != nil {
		stop()
		_ = c.Logout()
		return nil, fmt.Errorf("imap login as %s: %w: %w", cfg.Username, radar.ErrConfiguration, err)
	}

	if _, err := c.Select(cfg.Mailbox, true); err != nil {
		stop()
		_ = c.Logout()
		return nil, fmt.Errorf("select mailbox %s: %w", cfg.Mailbox, err)
	}

	return &imapClient{c: c, mailbox: cfg.Mailbox, stop: stop}, nil
}

func (m *imapClient) Search(ctx context.Context, since time.Time) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w: %w", m.mailbox, radar.ErrTransientUpstream, err)
	}
	return uids, nil
}

func (m *imapClient) Fetch(ctx context.Context, uids []uint32) ([]mailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, section.FetchItem()}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, items, ch)
	}()

	var (
		out     []mailMessage
		readErr error
	)
	for msg := range ch {
		if readErr != nil {
			continue
		}

		mm := mailMessage{UID: msg.Uid}

		if env := msg.Envelope; env != nil {
			mm.MessageID = strings.Trim(env.MessageId, "<> ")
			mm.Subject = env.Subject
			mm.Date = env.Date
			if len(env.From) > 0 && env.From[0] != nil {
				mm.Sender = env.From[0].Address()
			}
		}

		if body := msg.GetBody(section); body != nil {
			data, err := io.ReadAll(body)
			if err != nil {
				readErr = fmt.Errorf("read message %d: %w", msg.Uid, err)
				continue
			}
			mm.Body = data
		}

		out = append(out, mm)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch %s: %w: %w", m.mailbox, radar.ErrTransientUpstream, err)
	}
	if readErr != nil {
		return nil, readErr
	}

	return out, nil
}

func (m *imapClient) Close() error {
	m.stop()
	return m.c.Logout()
}
