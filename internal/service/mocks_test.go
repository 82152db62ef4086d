package service

import (
	"context"
	"time"

	"deskrelay/internal/events"
	"deskrelay/internal/models"
	"deskrelay/pkg/mailbox"

	"github.com/stretchr/testify/mock"
)

// Mock queue database
type mockQueueDatabase struct {
	mock.Mock
}

func (m *mockQueueDatabase) EnqueueWaiting(ctx context.Context, entry *models.WaitingQueueEntry) (*models.WaitingQueueEntry, error) {
	args := m.Called(ctx, entry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WaitingQueueEntry), args.Error(1)
}

func (m *mockQueueDatabase) GetQueueEntry(ctx context.Context, id string) (*models.WaitingQueueEntry, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WaitingQueueEntry), args.Error(1)
}

func (m *mockQueueDatabase) ActiveQueueEntry(ctx context.Context, projectID, visitorID string) (*models.WaitingQueueEntry, error) {
	args := m.Called(ctx, projectID, visitorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WaitingQueueEntry), args.Error(1)
}

func (m *mockQueueDatabase) AssignWaitingEntry(ctx context.Context, entry *models.WaitingQueueEntry, staffID string) (string, bool, error) {
	args := m.Called(ctx, entry, staffID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockQueueDatabase) MarkQueueCancelled(ctx context.Context, id, reason string) (bool, error) {
	args := m.Called(ctx, id, reason)
	return args.Bool(0), args.Error(1)
}

func (m *mockQueueDatabase) MarkQueueExpired(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockQueueDatabase) RecordAssignmentAttempt(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockQueueDatabase) QueueStatusCounts(ctx context.Context, projectID string) (*models.QueueCounts, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.QueueCounts), args.Error(1)
}

func (m *mockQueueDatabase) WaitingAhead(ctx context.Context, entry *models.WaitingQueueEntry) (int, error) {
	args := m.Called(ctx, entry)
	return args.Int(0), args.Error(1)
}

func (m *mockQueueDatabase) ListQueueEntries(ctx context.Context, filter models.QueueFilter) ([]*models.WaitingQueueEntry, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WaitingQueueEntry), args.Error(1)
}

func (m *mockQueueDatabase) GetVisitor(ctx context.Context, id string) (*models.Visitor, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Visitor), args.Error(1)
}

func (m *mockQueueDatabase) UpdateVisitorStatus(ctx context.Context, id string, status models.VisitorStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *mockQueueDatabase) GetStaff(ctx context.Context, id string) (*models.Staff, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Staff), args.Error(1)
}

func (m *mockQueueDatabase) GetAssignmentRule(ctx context.Context, projectID string) (*models.AssignmentRule, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AssignmentRule), args.Error(1)
}

func (m *mockQueueDatabase) GetSession(ctx context.Context, id string) (*models.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Session), args.Error(1)
}

func (m *mockQueueDatabase) CloseSession(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

// Mock staff locator
type mockStaffLocator struct {
	mock.Mock
}

func (m *mockStaffLocator) Locate(ctx context.Context, projectID string) (*models.Staff, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Staff), args.Error(1)
}

// Mock staff database
type mockStaffDatabase struct {
	mock.Mock
}

func (m *mockStaffDatabase) ListAvailableStaff(ctx context.Context, projectID string) ([]*models.Staff, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Staff), args.Error(1)
}

func (m *mockStaffDatabase) ActiveSessionCountByStaff(ctx context.Context, staffID string) (int, error) {
	args := m.Called(ctx, staffID)
	return args.Int(0), args.Error(1)
}

// Mock event publisher
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, routingKey string, env events.Envelope) error {
	args := m.Called(ctx, routingKey, env)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Mock trigger database
type mockTriggerDatabase struct {
	mock.Mock
}

func (m *mockTriggerDatabase) SelectWaitingBatch(ctx context.Context, projectID string, limit int) ([]*models.WaitingQueueEntry, error) {
	args := m.Called(ctx, projectID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WaitingQueueEntry), args.Error(1)
}

// Mock assigner
type mockAssigner struct {
	mock.Mock
}

func (m *mockAssigner) Assign(ctx context.Context, entryID string) (*models.AssignmentResult, error) {
	args := m.Called(ctx, entryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AssignmentResult), args.Error(1)
}

// Mock fallback database
type mockFallbackDatabase struct {
	mock.Mock
}

func (m *mockFallbackDatabase) SelectStaleWaiting(ctx context.Context, olderThanSeconds, limit int) ([]*models.WaitingQueueEntry, error) {
	args := m.Called(ctx, olderThanSeconds, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WaitingQueueEntry), args.Error(1)
}

// Mock cleanup database
type mockCleanupDatabase struct {
	mock.Mock
}

func (m *mockCleanupDatabase) SelectExpiredWaiting(ctx context.Context, limit int) ([]*models.WaitingQueueEntry, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WaitingQueueEntry), args.Error(1)
}

// Mock expirer
type mockExpirer struct {
	mock.Mock
}

func (m *mockExpirer) Expire(ctx context.Context, entry *models.WaitingQueueEntry) (bool, error) {
	args := m.Called(ctx, entry)
	return args.Bool(0), args.Error(1)
}

// Mock visitor database
type mockVisitorDatabase struct {
	mock.Mock
}

func (m *mockVisitorDatabase) UpsertVisitor(ctx context.Context, v *models.Visitor) (*models.Visitor, error) {
	args := m.Called(ctx, v)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Visitor), args.Error(1)
}

func (m *mockVisitorDatabase) GetVisitorByExternalID(ctx context.Context, projectID, channelType, externalID string) (*models.Visitor, error) {
	args := m.Called(ctx, projectID, channelType, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Visitor), args.Error(1)
}

// Mock visitor directory
type mockVisitorDirectory struct {
	mock.Mock
}

func (m *mockVisitorDirectory) ResolveVisitor(ctx context.Context, projectID string, channel models.ChannelKind, externalID, displayName, avatarURL string) (*models.Visitor, error) {
	args := m.Called(ctx, projectID, channel, externalID, displayName, avatarURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Visitor), args.Error(1)
}

// Mock ingest database
type mockIngestDatabase struct {
	mock.Mock
}

func (m *mockIngestDatabase) InsertInboxRecord(ctx context.Context, rec *models.InboxRecord) (models.InsertOutcome, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(models.InsertOutcome), args.Error(1)
}

// Mock consumer database
type mockConsumerDatabase struct {
	mock.Mock
}

func (m *mockConsumerDatabase) SelectDispatchCandidates(ctx context.Context, channel models.ChannelKind, platformID string, batchSize, maxRetries int) ([]*models.InboxRecord, error) {
	args := m.Called(ctx, channel, platformID, batchSize, maxRetries)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.InboxRecord), args.Error(1)
}

func (m *mockConsumerDatabase) ClaimInboxRecord(ctx context.Context, channel models.ChannelKind, id string) (bool, error) {
	args := m.Called(ctx, channel, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockConsumerDatabase) FailInboxRecord(ctx context.Context, channel models.ChannelKind, id, errorMessage string) error {
	args := m.Called(ctx, channel, id, errorMessage)
	return args.Error(0)
}

// Mock message dispatcher
type mockMessageDispatcher struct {
	mock.Mock
}

func (m *mockMessageDispatcher) Dispatch(ctx context.Context, rec *models.InboxRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// Mock dispatch database
type mockDispatchDatabase struct {
	mock.Mock
}

func (m *mockDispatchDatabase) CompleteInboxRecord(ctx context.Context, channel models.ChannelKind, id, aiReply string) error {
	args := m.Called(ctx, channel, id, aiReply)
	return args.Error(0)
}

func (m *mockDispatchDatabase) GetVisitor(ctx context.Context, id string) (*models.Visitor, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Visitor), args.Error(1)
}

func (m *mockDispatchDatabase) UpdateVisitorStatus(ctx context.Context, id string, status models.VisitorStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

// Mock responder
type mockResponder struct {
	mock.Mock
}

func (m *mockResponder) Respond(ctx context.Context, msg *models.CanonicalMessage) (*models.ResponderResult, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ResponderResult), args.Error(1)
}

// Mock enqueuer
type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, req EnqueueRequest) (*models.EnqueueResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EnqueueResult), args.Error(1)
}

// Mock channel replier
type mockReplier struct {
	mock.Mock
}

func (m *mockReplier) SendReply(ctx context.Context, msg *models.CanonicalMessage, text string) error {
	args := m.Called(ctx, msg, text)
	return args.Error(0)
}

// Mock message stager
type mockStager struct {
	mock.Mock
}

func (m *mockStager) Ingest(ctx context.Context, rec *models.InboxRecord) (models.InsertOutcome, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(models.InsertOutcome), args.Error(1)
}

// Mock mailbox client
type mockMailboxClient struct {
	mock.Mock
}

func (m *mockMailboxClient) FetchUnseen(ctx context.Context) ([]mailbox.FetchedMessage, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]mailbox.FetchedMessage), args.Error(1)
}

func (m *mockMailboxClient) MarkSeen(ctx context.Context, uids []uint32) error {
	args := m.Called(ctx, uids)
	return args.Error(0)
}

// Mock WeCom sync client
type mockWecomSyncClient struct {
	mock.Mock
}

func (m *mockWecomSyncClient) SyncMessages(ctx context.Context, cursor, token string) ([]*models.InboxRecord, string, error) {
	args := m.Called(ctx, cursor, token)
	if args.Get(0) == nil {
		return nil, args.String(1), args.Error(2)
	}
	return args.Get(0).([]*models.InboxRecord), args.String(1), args.Error(2)
}

// Mock cursor database
type mockCursorDatabase struct {
	mock.Mock
}

func (m *mockCursorDatabase) GetChannelCursor(ctx context.Context, channel models.ChannelKind, platformID string) (string, error) {
	args := m.Called(ctx, channel, platformID)
	return args.String(0), args.Error(1)
}

func (m *mockCursorDatabase) SaveChannelCursor(ctx context.Context, channel models.ChannelKind, platformID, cursor string) error {
	args := m.Called(ctx, channel, platformID, cursor)
	return args.Error(0)
}

// Mock stale pending counter
type mockStalePendingCounter struct {
	mock.Mock
}

func (m *mockStalePendingCounter) StalePendingCount(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}
