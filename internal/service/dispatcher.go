package service

import (
	"context"

	"deskrelay/internal/metrics"
	"deskrelay/internal/models"
	"deskrelay/pkg/dingtalk"
	"deskrelay/pkg/feishu"
	"deskrelay/pkg/mailbox"
	"deskrelay/pkg/wecom"

	"github.com/sirupsen/logrus"
)

// Responder asks the AI service for a decision on a visitor message
type Responder interface {
	Respond(ctx context.Context, msg *models.CanonicalMessage) (*models.ResponderResult, error)
}

// Enqueuer puts a visitor into the waiting queue
type Enqueuer interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*models.EnqueueResult, error)
}

// DispatchDatabaseService defines the database operations needed by the dispatcher
type DispatchDatabaseService interface {
	CompleteInboxRecord(ctx context.Context, channel models.ChannelKind, id, aiReply string) error
	GetVisitor(ctx context.Context, id string) (*models.Visitor, error)
	UpdateVisitorStatus(ctx context.Context, id string, status models.VisitorStatus) error
}

// dispatcher turns one claimed ledger record into its outcome: an AI reply
// sent back on the originating channel, or a handoff into the waiting queue.
type dispatcher struct {
	db        DispatchDatabaseService
	registry  *ChannelRegistry
	visitors  VisitorDirectoryInterface
	responder Responder
	queue     Enqueuer
	logger    *logrus.Logger
}

// NewDispatcher creates a new message dispatcher
func NewDispatcher(db DispatchDatabaseService, registry *ChannelRegistry, visitors VisitorDirectoryInterface, responder Responder, queue Enqueuer, logger *logrus.Logger) MessageDispatcher {
	return &dispatcher{
		db:        db,
		registry:  registry,
		visitors:  visitors,
		responder: responder,
		queue:     queue,
		logger:    logger,
	}
}

// Dispatch processes one record end to end. Returning an error sends the
// record back to the ledger for another attempt, so everything that already
// succeeded must tolerate being re-run.
func (d *dispatcher) Dispatch(ctx context.Context, rec *models.InboxRecord) error {
	cfg, err := d.registry.Get(rec.Channel, rec.PlatformID)
	if err != nil {
		return err
	}

	msg := d.canonicalize(rec, cfg.ProjectID)

	visitor, err := d.visitors.ResolveVisitor(ctx, cfg.ProjectID, rec.Channel, rec.FromUser, rec.SenderName, "")
	if err != nil {
		return err
	}
	msg.Visitor = &models.VisitorHandle{
		ID:          visitor.ID,
		DisplayName: visitor.DisplayName,
		AvatarURL:   visitor.AvatarURL,
	}

	// The assignment gate needs the live status, not the cached identity
	fresh, err := d.db.GetVisitor(ctx, visitor.ID)
	if err != nil {
		return err
	}
	if fresh != nil && fresh.Status == models.VisitorStatusAssigned {
		d.logger.WithFields(logrus.Fields{
			"channel": rec.Channel,
			"record":  rec.ID,
			"visitor": visitor.ID,
		}).Debug("Visitor is in a human session, skipping responder")
		metrics.IncrementCounter("dispatch_skipped_total", map[string]string{
			"channel": string(rec.Channel),
			"reason":  "assigned",
		}, "Ledger records completed without a responder call")
		return d.db.CompleteInboxRecord(ctx, rec.Channel, rec.ID, "")
	}

	// A closed service window re-opens when the visitor writes again
	if fresh != nil && fresh.Status == models.VisitorStatusClosed {
		if err := d.db.UpdateVisitorStatus(ctx, visitor.ID, models.VisitorStatusUnassigned); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"record":  rec.ID,
				"visitor": visitor.ID,
			}).Warn("Failed to re-open closed visitor")
		}
	}

	LogMessageProcessing(ctx, d.logger, string(rec.Channel), rec.PlatformID, rec.MessageID, rec.FromUser, rec.Content)

	result, err := d.responder.Respond(ctx, msg)
	if err != nil {
		return err
	}

	if result.Handoff {
		return d.handleHandoff(ctx, rec, msg, visitor, result)
	}

	return d.handleReply(ctx, rec, msg, result)
}

// handleHandoff sends the courtesy text when there is one, then queues the
// visitor. The courtesy send is best-effort; losing it must not lose the
// handoff.
func (d *dispatcher) handleHandoff(ctx context.Context, rec *models.InboxRecord, msg *models.CanonicalMessage, visitor *models.Visitor, result *models.ResponderResult) error {
	if result.Reply != "" {
		if replier, err := d.registry.ReplierFor(rec.Channel, rec.PlatformID); err != nil {
			d.logger.WithError(err).WithField("channel", rec.Channel).Warn("No replier for courtesy message")
		} else if err := replier.SendReply(ctx, msg, result.Reply); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"channel": rec.Channel,
				"record":  rec.ID,
			}).Warn("Failed to send courtesy message before handoff")
		}
	}

	enqueueResult, err := d.queue.Enqueue(ctx, EnqueueRequest{
		ProjectID:   msg.ProjectID,
		VisitorID:   visitor.ID,
		ChannelID:   rec.PlatformID,
		ChannelType: string(rec.Channel),
		Source:      models.QueueSourceAIRequest,
		Reason:      result.HandoffReason,
	})
	if err != nil {
		return err
	}

	if enqueueResult.CannotEnter {
		d.logger.WithFields(logrus.Fields{
			"record":  rec.ID,
			"visitor": visitor.ID,
			"status":  enqueueResult.CurrentStatus,
		}).Debug("Handoff skipped, visitor cannot enter the queue")
	}

	metrics.IncrementCounter("dispatch_handoffs_total", map[string]string{
		"channel": string(rec.Channel),
	}, "Ledger records that ended in a human handoff")

	return d.db.CompleteInboxRecord(ctx, rec.Channel, rec.ID, result.Reply)
}

// handleReply delivers the AI answer on the originating channel. An empty
// reply is a valid decision to stay silent.
func (d *dispatcher) handleReply(ctx context.Context, rec *models.InboxRecord, msg *models.CanonicalMessage, result *models.ResponderResult) error {
	if result.Reply != "" {
		replier, err := d.registry.ReplierFor(rec.Channel, rec.PlatformID)
		if err != nil {
			return err
		}
		if err := replier.SendReply(ctx, msg, result.Reply); err != nil {
			return err
		}
	}

	metrics.IncrementCounter("dispatch_replies_total", map[string]string{
		"channel": string(rec.Channel),
	}, "Ledger records answered by the responder")

	return d.db.CompleteInboxRecord(ctx, rec.Channel, rec.ID, result.Reply)
}

// canonicalize builds the channel agnostic message, pulling the channel
// specific reply handles back out of the staged payload.
func (d *dispatcher) canonicalize(rec *models.InboxRecord, projectID string) *models.CanonicalMessage {
	return &models.CanonicalMessage{
		RecordID:     rec.ID,
		Channel:      rec.Channel,
		PlatformID:   rec.PlatformID,
		ProjectID:    projectID,
		MessageID:    rec.MessageID,
		FromUser:     rec.FromUser,
		SenderName:   rec.SenderName,
		MsgType:      rec.MsgType,
		Content:      rec.Content,
		ReceivedAt:   rec.ReceivedAt,
		ReplyContext: replyContextFor(rec),
	}
}

func replyContextFor(rec *models.InboxRecord) map[string]string {
	switch rec.Channel {
	case models.ChannelDingTalk:
		return dingtalk.ExtractReplyContext(rec.RawPayload)
	case models.ChannelFeishu:
		return feishu.ExtractReplyContext(rec.RawPayload)
	case models.ChannelWecom:
		return wecom.ExtractReplyContext(rec.RawPayload)
	case models.ChannelEmail:
		return mailbox.ExtractReplyContext(rec.RawPayload)
	}
	return nil
}
