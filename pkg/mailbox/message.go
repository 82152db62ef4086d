package mailbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"deskrelay/internal/models"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// replyEnvelope is the channel context stored with every email record. Email
// has no callback handles; replying needs the sender, the subject and the
// thread ids.
type replyEnvelope struct {
	From       string   `json:"from"`
	Subject    string   `json:"subject,omitempty"`
	MessageID  string   `json:"message_id,omitempty"`
	References []string `json:"references,omitempty"`
}

// ParseMessage turns a raw RFC 822 message into an inbox record. A missing
// Message-ID header is left empty for the caller to substitute a surrogate.
func ParseMessage(platformID string, raw []byte) (*models.InboxRecord, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse mail: %w", err)
	}

	var from, senderName string
	if list, err := mr.Header.AddressList("From"); err == nil && len(list) > 0 {
		from = list[0].Address
		senderName = list[0].Name
	}
	subject, _ := mr.Header.Subject()
	messageID, _ := mr.Header.MessageID()
	date, _ := mr.Header.Date()
	references, _ := mr.Header.MsgIDList("References")

	content := textBody(mr)
	if content == "" {
		content = subject
	}

	envelope := replyEnvelope{
		From:       from,
		Subject:    subject,
		MessageID:  messageID,
		References: references,
	}
	rawPayload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply envelope: %w", err)
	}

	record := &models.InboxRecord{
		Channel:    models.ChannelEmail,
		PlatformID: platformID,
		MessageID:  messageID,
		FromUser:   from,
		SenderName: senderName,
		MsgType:    "text",
		Content:    content,
		RawPayload: string(rawPayload),
	}
	if !date.IsZero() {
		record.ReceivedAt = &date
	}
	return record, nil
}

// textBody returns the first inline text part, preferring plain text over
// HTML. Attachments never become content.
func textBody(mr *mail.Reader) string {
	var html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := header.ContentType()
		if err != nil {
			continue
		}

		switch contentType {
		case "text/plain":
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			return strings.TrimSpace(string(body))
		case "text/html":
			if html == "" {
				if body, err := io.ReadAll(part.Body); err == nil {
					html = strings.TrimSpace(string(body))
				}
			}
		}
	}
	return html
}

// ExtractReplyContext recovers the reply envelope from a stored record.
// Returns nil when the payload is missing or carries nothing usable.
func ExtractReplyContext(raw string) map[string]string {
	if raw == "" {
		return nil
	}

	var envelope replyEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil
	}

	reply := make(map[string]string)
	if envelope.From != "" {
		reply["from"] = envelope.From
	}
	if envelope.Subject != "" {
		reply["subject"] = envelope.Subject
	}
	if envelope.MessageID != "" {
		reply["message_id"] = envelope.MessageID
	}
	if len(envelope.References) > 0 {
		reply["references"] = strings.Join(envelope.References, " ")
	}
	if len(reply) == 0 {
		return nil
	}
	return reply
}
