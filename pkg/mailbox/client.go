package mailbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"deskrelay/internal/models"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"
)

const defaultMailboxName = "INBOX"

// FetchedMessage pairs a parsed record with the IMAP UID that produced it,
// so the caller can flag exactly what the ledger accepted.
type FetchedMessage struct {
	UID    uint32
	Record *models.InboxRecord
}

// Client reads one IMAP account over a single held connection. A NOOP probe
// before each poll detects server-side idle drops and triggers a redial, so
// a stale connection costs one reconnect instead of a lost cycle.
type Client struct {
	cfg        models.EmailConfig
	platformID string
	logger     *logrus.Logger

	mu   sync.Mutex
	conn *imapclient.Client
}

func NewClient(cfg models.EmailConfig, platformID string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Client{cfg: cfg, platformID: platformID, logger: logger}
}

// FetchUnseen returns parsed records for the unseen messages in the
// configured window. A backlog beyond MaxPerPoll is capped to the newest
// messages, which come back in mailbox order. Messages stay unseen until
// MarkSeen, so nothing is lost when staging fails mid-batch.
func (c *Client) FetchUnseen(ctx context.Context) ([]FetchedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConnected(true)
	if err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	if c.cfg.LookbackDays > 0 {
		criteria.Since = time.Now().AddDate(0, 0, -c.cfg.LookbackDays)
	}

	searchData, err := conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		c.dropConn()
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if c.cfg.MaxPerPoll > 0 && len(uids) > c.cfg.MaxPerPoll {
		// search results come back in mailbox order, keep the newest window
		uids = uids[len(uids)-c.cfg.MaxPerPoll:]
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}
	messages, err := conn.Fetch(imap.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		c.dropConn()
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var fetched []FetchedMessage
	for _, msg := range messages {
		record, err := ParseMessage(c.platformID, msg.FindBodySection(bodySection))
		if err != nil {
			c.logger.WithError(err).WithField("uid", msg.UID).Warn("Skipping unparseable mail")
			continue
		}
		c.fillFromEnvelope(record, msg)
		fetched = append(fetched, FetchedMessage{UID: uint32(msg.UID), Record: record})
	}
	return fetched, nil
}

// MarkSeen flags messages seen so the next poll skips them. The mailbox is
// re-selected read-write just for the store and returned to read-only after.
// Called only after the ledger accepted the matching records.
func (c *Client) MarkSeen(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConnected(false)
	if err != nil {
		return err
	}

	set := make([]imap.UID, len(uids))
	for i, uid := range uids {
		set[i] = imap.UID(uid)
	}
	storeFlags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := conn.Store(imap.UIDSetNum(set...), storeFlags, nil).Close(); err != nil {
		c.dropConn()
		return fmt.Errorf("failed to flag messages seen: %w", err)
	}

	if _, err := conn.Select(c.mailboxName(), &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		// the store itself landed; reconnect lazily on the next poll
		c.dropConn()
	}
	return nil
}

// Close logs out and drops the held connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	if err := c.conn.Logout().Wait(); err != nil {
		c.logger.WithError(err).Debug("IMAP logout failed")
		_ = c.conn.Close()
	}
	c.conn = nil
}

// fillFromEnvelope patches record fields the message body could not provide.
func (c *Client) fillFromEnvelope(record *models.InboxRecord, msg *imapclient.FetchMessageBuffer) {
	if record.MessageID == "" && msg.Envelope != nil {
		record.MessageID = strings.Trim(msg.Envelope.MessageID, "<>")
	}
	if record.MessageID == "" {
		record.MessageID = fmt.Sprintf("imap-%s-%d", c.platformID, msg.UID)
	}
	if record.FromUser == "" && msg.Envelope != nil && len(msg.Envelope.From) > 0 {
		record.FromUser = msg.Envelope.From[0].Addr()
		record.SenderName = msg.Envelope.From[0].Name
	}
	if record.ReceivedAt == nil && !msg.InternalDate.IsZero() {
		internalDate := msg.InternalDate
		record.ReceivedAt = &internalDate
	}
}

// ensureConnected probes the held connection with NOOP and redials when it
// is gone, then selects the configured mailbox in the requested mode.
func (c *Client) ensureConnected(readOnly bool) (*imapclient.Client, error) {
	if c.conn != nil {
		if err := c.conn.Noop().Wait(); err != nil {
			c.logger.WithError(err).WithField("platform", c.platformID).Debug("IMAP connection went stale, reconnecting")
			c.dropConn()
		}
	}
	if c.conn == nil {
		conn, err := c.dial()
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	if _, err := c.conn.Select(c.mailboxName(), &imap.SelectOptions{ReadOnly: readOnly}).Wait(); err != nil {
		c.dropConn()
		return nil, fmt.Errorf("failed to select mailbox %s: %w", c.mailboxName(), err)
	}
	return c.conn, nil
}

// dial connects, authenticates and identifies the client. Some providers
// (163/126-style) refuse SELECT until an RFC 2971 ID is on record, so the ID
// is sent whenever the server advertises it; an ID failure is tolerated.
func (c *Client) dial() (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	conn, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	if conn.Caps().Has(imap.CapID) {
		if _, err := conn.ID(&imap.IDData{Name: "deskrelay", Vendor: "deskrelay"}).Wait(); err != nil {
			c.logger.WithError(err).WithField("platform", c.platformID).Debug("IMAP ID command failed")
		}
	}
	return conn, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) mailboxName() string {
	if c.cfg.Mailbox != "" {
		return c.cfg.Mailbox
	}
	return defaultMailboxName
}
