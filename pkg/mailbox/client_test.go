package mailbox

import (
	"testing"
	"time"

	"deskrelay/internal/models"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
)

func TestNewClient(t *testing.T) {
	client := NewClient(models.EmailConfig{Host: "mail.example.com", Port: 993}, "support-mail", nil)
	assert.NotNil(t, client.logger)
	assert.Equal(t, "support-mail", client.platformID)
}

func TestClient_MailboxName(t *testing.T) {
	t.Run("defaults to INBOX", func(t *testing.T) {
		client := NewClient(models.EmailConfig{}, "support-mail", nil)
		assert.Equal(t, "INBOX", client.mailboxName())
	})

	t.Run("configured folder wins", func(t *testing.T) {
		client := NewClient(models.EmailConfig{Mailbox: "Support/Tickets"}, "support-mail", nil)
		assert.Equal(t, "Support/Tickets", client.mailboxName())
	})
}

func TestClient_FillFromEnvelope(t *testing.T) {
	client := NewClient(models.EmailConfig{}, "support-mail", nil)

	t.Run("envelope patches missing fields", func(t *testing.T) {
		record := &models.InboxRecord{Channel: models.ChannelEmail, PlatformID: "support-mail"}
		msg := &imapclient.FetchMessageBuffer{
			UID: imap.UID(4242),
			Envelope: &imap.Envelope{
				MessageID: "<env789@mail.example.com>",
				From:      []imap.Address{{Name: "Jane Roe", Mailbox: "jane.roe", Host: "example.com"}},
			},
			InternalDate: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		}

		client.fillFromEnvelope(record, msg)

		assert.Equal(t, "env789@mail.example.com", record.MessageID)
		assert.Equal(t, "jane.roe@example.com", record.FromUser)
		assert.Equal(t, "Jane Roe", record.SenderName)
		assert.NotNil(t, record.ReceivedAt)
	})

	t.Run("parsed fields are never overwritten", func(t *testing.T) {
		receivedAt := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
		record := &models.InboxRecord{
			MessageID:  "abc123@mail.example.com",
			FromUser:   "john.doe@example.com",
			SenderName: "John Doe",
			ReceivedAt: &receivedAt,
		}
		msg := &imapclient.FetchMessageBuffer{
			UID: imap.UID(4242),
			Envelope: &imap.Envelope{
				MessageID: "<env789@mail.example.com>",
				From:      []imap.Address{{Mailbox: "jane.roe", Host: "example.com"}},
			},
			InternalDate: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		}

		client.fillFromEnvelope(record, msg)

		assert.Equal(t, "abc123@mail.example.com", record.MessageID)
		assert.Equal(t, "john.doe@example.com", record.FromUser)
		assert.Equal(t, receivedAt, *record.ReceivedAt)
	})

	t.Run("no envelope falls back to a UID surrogate", func(t *testing.T) {
		record := &models.InboxRecord{}
		msg := &imapclient.FetchMessageBuffer{UID: imap.UID(4242)}

		client.fillFromEnvelope(record, msg)

		assert.Equal(t, "imap-support-mail-4242", record.MessageID)
	})
}
