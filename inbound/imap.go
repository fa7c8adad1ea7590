package inbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"skyreach/models"
)

// MailboxConfig describes one monitored inbox.
type MailboxConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // SSL, STARTTLS or empty for plain
	Mailbox    string // defaults to INBOX
}

// IMAPFeed polls a mailbox and turns replies, DSN bounces, unsubscribes and
// complaint reports into inbound events.
type IMAPFeed struct {
	cfg      MailboxConfig
	interval time.Duration
	resolver Resolver
	log      *logrus.Logger

	dial func(MailboxConfig) (imapSession, error)
}

// imapSession is the slice of the IMAP client the feed uses; swapped out in
// tests.
type imapSession interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

func NewIMAPFeed(cfg MailboxConfig, interval time.Duration, resolver Resolver, log *logrus.Logger) *IMAPFeed {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAPFeed{
		cfg:      cfg,
		interval: interval,
		resolver: resolver,
		log:      log,
		dial:     dialIMAP,
	}
}

func dialIMAP(cfg MailboxConfig) (imapSession, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var c *client.Client
	var err error
	switch strings.ToUpper(cfg.Encryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, &tls.Config{ServerName: cfg.Host})
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(&tls.Config{ServerName: cfg.Host})
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return c, nil
}

// Run starts the poll loop. The returned channel closes when ctx ends.
func (f *IMAPFeed) Run(ctx context.Context) (<-chan models.InboundEvent, error) {
	events := make(chan models.InboundEvent, 64)
	go func() {
		defer close(events)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		f.log.WithField("mailbox", f.cfg.Username).Info("inbound IMAP poller started")
		for {
			select {
			case <-ctx.Done():
				f.log.Info("inbound IMAP poller shutting down")
				return
			case <-ticker.C:
				if err := f.poll(ctx, events); err != nil {
					f.log.WithError(err).Error("inbound poll failed")
				}
			}
		}
	}()
	return events, nil
}

func (f *IMAPFeed) poll(ctx context.Context, events chan<- models.InboundEvent) error {
	session, err := f.dial(f.cfg)
	if err != nil {
		return err
	}
	defer session.Logout()

	if _, err := session.Select(f.cfg.Mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := session.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- session.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		ev, ok, err := f.classify(ctx, msg)
		if err != nil {
			f.log.WithError(err).WithField("seq", msg.SeqNum).Warn("failed to classify message")
			continue
		}
		if !ok {
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return <-done
}

var dsnStatusPattern = regexp.MustCompile(`\b([245])\.\d{1,3}\.\d{1,3}\b`)

// classify maps one fetched message to an inbound event. Messages from
// unknown addresses that are not bounce reports are dropped.
func (f *IMAPFeed) classify(ctx context.Context, msg *imap.Message) (models.InboundEvent, bool, error) {
	var zero models.InboundEvent
	if msg.Envelope == nil || len(msg.Envelope.From) == 0 {
		return zero, false, nil
	}

	from := msg.Envelope.From[0].Address()
	subject := msg.Envelope.Subject
	body := extractPlainBody(msg)

	eventType, detail, target := classifyContent(from, subject, body)
	if eventType == "" {
		return zero, false, nil
	}

	// Bounces report the original recipient, not the daemon address.
	resolveAddr := from
	if target != "" {
		resolveAddr = target
	}
	workspaceID, campaignID, leadID, ok, err := f.resolver.ResolveLead(ctx, resolveAddr)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}

	occurred := msg.Envelope.Date
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return models.InboundEvent{
		WorkspaceID:     workspaceID,
		CampaignID:      campaignID,
		LeadID:          leadID,
		Type:            eventType,
		ProviderEventID: msg.Envelope.MessageId,
		OccurredAt:      occurred,
		Detail:          detail,
	}, true, nil
}

// classifyContent decides the event type from headers and body. target is
// the original recipient extracted from a DSN, empty otherwise.
func classifyContent(from, subject, body string) (models.InboundEventType, string, string) {
	lowFrom := strings.ToLower(from)
	lowSubject := strings.ToLower(subject)
	lowBody := strings.ToLower(body)

	if strings.Contains(lowFrom, "mailer-daemon") || strings.Contains(lowFrom, "postmaster") ||
		strings.Contains(lowSubject, "delivery status notification") ||
		strings.Contains(lowSubject, "undeliverable") {
		status := dsnStatusPattern.FindString(body)
		target := extractFailedRecipient(body)
		if strings.HasPrefix(status, "4") {
			return models.EventSoftBounce, status, target
		}
		return models.EventHardBounce, status, target
	}

	if strings.Contains(lowSubject, "complaint") || strings.Contains(lowSubject, "abuse report") ||
		strings.Contains(lowBody, "feedback-type: abuse") {
		return models.EventComplaint, subject, ""
	}

	if strings.Contains(lowSubject, "unsubscribe") ||
		strings.Contains(lowBody, "please unsubscribe") ||
		strings.Contains(lowBody, "remove me from") {
		return models.EventUnsubscribe, subject, ""
	}

	return models.EventReply, subject, ""
}

var failedRecipientPattern = regexp.MustCompile(`(?i)(?:final-recipient:.*?;|original-recipient:.*?;|failed recipient:)\s*<?([^\s<>;]+@[^\s<>;]+)>?`)

func extractFailedRecipient(body string) string {
	m := failedRecipientPattern.FindStringSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// extractPlainBody pulls the text/plain part out of the raw message.
func extractPlainBody(msg *imap.Message) string {
	if msg.Body == nil {
		return ""
	}
	// Fetch responses key the body map by their own section pointer, so
	// the lookup has to go through GetBody rather than a map index.
	section := imap.BodySectionName{}
	literal := msg.GetBody(&section)
	if literal == nil {
		return ""
	}
	mr, err := mail.CreateReader(literal)
	if err != nil {
		return ""
	}

	var text string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			break
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			if strings.Contains(contentType, "text/plain") {
				b, err := io.ReadAll(p.Body)
				if err == nil {
					text = string(b)
				}
			}
		}
	}
	return text
}
