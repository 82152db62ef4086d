package mailbox

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"deskrelay/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultSMTPPort = 587

// Replier sends replies through SMTP. In-Reply-To and References come from
// the reply envelope the inbound message was stored with, so mail clients
// keep the reply inside the original thread.
type Replier struct {
	cfg    models.EmailConfig
	logger *logrus.Logger
}

func NewReplier(cfg models.EmailConfig, logger *logrus.Logger) *Replier {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Replier{cfg: cfg, logger: logger}
}

// SendReply mails the text back to the original sender as a threaded reply.
func (r *Replier) SendReply(ctx context.Context, msg *models.CanonicalMessage, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	to := msg.ReplyContext["from"]
	if to == "" {
		to = msg.FromUser
	}
	if to == "" {
		return fmt.Errorf("email message %s has no sender to reply to", msg.MessageID)
	}

	from := r.cfg.FromAddress
	if from == "" {
		from = r.cfg.Username
	}

	host := r.cfg.SMTPHost
	if host == "" {
		host = r.cfg.Host
	}
	port := r.cfg.SMTPPort
	if port == 0 {
		port = defaultSMTPPort
	}

	body := composeReply(from, to, msg.ReplyContext, text)
	addr := fmt.Sprintf("%s:%d", host, port)
	auth := smtp.PlainAuth("", r.cfg.Username, r.cfg.Password, host)
	if err := smtp.SendMail(addr, auth, from, []string{to}, body); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}

	r.logger.WithField("recipient", to).Debug("Email reply sent")

	return nil
}

// composeReply renders the full RFC 822 reply message.
func composeReply(from, to string, replyContext map[string]string, text string) []byte {
	subject := strings.TrimSpace(replyContext["subject"])
	if subject == "" {
		subject = "your message"
	}
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.New().String(), messageIDHost(from))

	if messageID := replyContext["message_id"]; messageID != "" {
		fmt.Fprintf(&b, "In-Reply-To: <%s>\r\n", messageID)
		references := append(wrapMsgIDs(replyContext["references"]), "<"+messageID+">")
		fmt.Fprintf(&b, "References: %s\r\n", strings.Join(references, " "))
	}

	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(text)
	b.WriteString("\r\n")
	return []byte(b.String())
}

func wrapMsgIDs(joined string) []string {
	var wrapped []string
	for _, id := range strings.Fields(joined) {
		wrapped = append(wrapped, "<"+strings.Trim(id, "<>")+">")
	}
	return wrapped
}

func messageIDHost(from string) string {
	if at := strings.LastIndex(from, "@"); at >= 0 && at+1 < len(from) {
		return from[at+1:]
	}
	return "deskrelay.local"
}
