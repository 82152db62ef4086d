package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"deskrelay/internal/database"
	"deskrelay/internal/events"
	"deskrelay/internal/models"
	"deskrelay/internal/service"
	"deskrelay/pkg/responder"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// TestEnvironment wires the full pipeline against a real SQLite database and
// a mock responder service: ingestor, dispatcher, queue service, trigger and
// a recording replier standing in for the vendor send APIs.
type TestEnvironment struct {
	t    *testing.T
	name string

	db         *database.Database
	logger     *logrus.Logger
	fixtures   *TestFixtures
	registry   *service.ChannelRegistry
	visitors   *service.VisitorDirectory
	queue      *service.QueueService
	trigger    *service.QueueTrigger
	ingestor   *service.Ingestor
	dispatcher service.MessageDispatcher
	replier    *recordingReplier

	responderServer *httptest.Server

	cleanup []func()

	mockAPIRequests map[string]int
	mockAPIFailures map[string]int
	scripted        []models.ResponderResult
	prompts         []string
	mockAPILock     sync.RWMutex
}

// NewTestEnvironment creates a complete test environment with its own
// database file and mock responder. Tests must call Cleanup when done.
func NewTestEnvironment(t *testing.T, name string) *TestEnvironment {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	env := &TestEnvironment{
		t:               t,
		name:            fmt.Sprintf("%s_%d", name, time.Now().UnixNano()),
		logger:          logger,
		fixtures:        NewTestFixtures(),
		cleanup:         make([]func(), 0),
		mockAPIRequests: make(map[string]int),
		mockAPIFailures: make(map[string]int),
	}

	env.setupDatabase()
	env.setupResponderServer()
	env.setupServices()

	return env
}

// setupDatabase creates a real SQLite database with the full schema applied
func (env *TestEnvironment) setupDatabase() {
	dbPath := filepath.Join(env.t.TempDir(), "deskrelay-test.db")

	db, err := database.New(dbPath)
	require.NoError(env.t, err)

	env.db = db
	env.cleanup = append(env.cleanup, func() {
		_ = db.Close()
	})
}

// setupResponderServer starts the mock AI responder. Every request counts
// under the "respond" key; scripted decisions are consumed in order and the
// default decision is a plain reply.
func (env *TestEnvironment) setupResponderServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/respond", func(w http.ResponseWriter, r *http.Request) {
		env.countMockAPIRequest("respond")

		if env.consumeMockAPIFailure("respond") {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": "injected responder failure"}`))
			return
		}

		var msg models.CanonicalMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		env.recordPrompt(msg.Content)

		result := env.nextResponderResult()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(result)
	})

	env.responderServer = httptest.NewServer(mux)
	env.cleanup = append(env.cleanup, func() {
		env.responderServer.Close()
	})
}

// setupServices wires the pipeline the way the daemon does at startup, with
// the recording replier registered for every configured channel.
func (env *TestEnvironment) setupServices() {
	publisher, err := events.NewPublisher(context.Background(), events.Config{}, env.logger)
	require.NoError(env.t, err)

	registry, err := service.NewChannelRegistry(env.fixtures.Channels(), env.logger)
	require.NoError(env.t, err)
	env.registry = registry

	env.replier = &recordingReplier{}
	for _, channel := range registry.Enabled() {
		registry.SetReplier(channel.Kind, channel.PlatformID, env.replier)
	}

	responderClient := responder.NewClient(models.ResponderConfig{
		BaseURL:    env.responderServer.URL,
		TimeoutSec: 5,
	}, nil, env.logger)

	env.visitors = service.NewVisitorDirectoryWithConfig(env.db, env.logger, 60)
	locator := service.NewStaffLocator(env.db, env.logger)
	env.queue = service.NewQueueService(env.db, locator, publisher, env.logger)
	limiter := service.NewSweepLimiter(2)
	env.trigger = service.NewQueueTrigger(env.db, env.queue, limiter, 10, env.logger)
	env.ingestor = service.NewIngestor(env.db, 300, env.logger)
	env.dispatcher = service.NewDispatcher(env.db, registry, env.visitors, responderClient, env.queue, env.logger)
}

// Cleanup tears down all test resources in reverse order
func (env *TestEnvironment) Cleanup() {
	for i := len(env.cleanup) - 1; i >= 0; i-- {
		env.cleanup[i]()
	}
}

// DrainChannel claims every dispatchable record on one ledger and runs it
// through the dispatcher, the way one consumer cycle would. Records whose
// dispatch fails are marked failed, matching the consumer's behavior.
func (env *TestEnvironment) DrainChannel(ctx context.Context, kind models.ChannelKind, platformID string) (processed, failed int) {
	records, err := env.db.SelectDispatchCandidates(ctx, kind, platformID, 50, 3)
	require.NoError(env.t, err)

	for _, rec := range records {
		claimed, err := env.db.ClaimInboxRecord(ctx, kind, rec.ID)
		require.NoError(env.t, err)
		if !claimed {
			continue
		}

		if err := env.dispatcher.Dispatch(ctx, rec); err != nil {
			require.NoError(env.t, env.db.FailInboxRecord(ctx, kind, rec.ID, err.Error()))
			failed++
			continue
		}
		processed++
	}

	return processed, failed
}

// SeedStaff registers an active staff member for a project. A maxConcurrent
// of zero means uncapped.
func (env *TestEnvironment) SeedStaff(ctx context.Context, id, projectID string, maxConcurrent int) {
	require.NoError(env.t, env.db.SaveStaff(ctx, &models.Staff{
		ID:            id,
		ProjectID:     projectID,
		DisplayName:   "Agent " + id,
		IsActive:      true,
		MaxConcurrent: maxConcurrent,
	}))
}

// SeedAssignmentRule stores the per-project queue configuration row
func (env *TestEnvironment) SeedAssignmentRule(ctx context.Context, projectID string, timeoutMinutes int, enabled bool) {
	require.NoError(env.t, env.db.SaveAssignmentRule(ctx, &models.AssignmentRule{
		ProjectID:               projectID,
		QueueWaitTimeoutMinutes: timeoutMinutes,
		IsEnabled:               enabled,
	}))
}

// ScriptResponderResult queues a decision for the mock responder. Scripted
// decisions are consumed first come first served; afterwards the default
// plain reply applies again.
func (env *TestEnvironment) ScriptResponderResult(result models.ResponderResult) {
	env.mockAPILock.Lock()
	defer env.mockAPILock.Unlock()
	env.scripted = append(env.scripted, result)
}

func (env *TestEnvironment) nextResponderResult() models.ResponderResult {
	env.mockAPILock.Lock()
	defer env.mockAPILock.Unlock()

	if len(env.scripted) > 0 {
		next := env.scripted[0]
		env.scripted = env.scripted[1:]
		return next
	}
	return models.ResponderResult{Reply: "Thanks for reaching out, happy to help."}
}

// SetMockAPIFailures makes the next count requests under key fail with a 500
func (env *TestEnvironment) SetMockAPIFailures(key string, count int) {
	env.mockAPILock.Lock()
	defer env.mockAPILock.Unlock()
	env.mockAPIFailures[key] = count
}

func (env *TestEnvironment) consumeMockAPIFailure(key string) bool {
	env.mockAPILock.Lock()
	defer env.mockAPILock.Unlock()

	if env.mockAPIFailures[key] > 0 {
		env.mockAPIFailures[key]--
		return true
	}
	return false
}

// CountMockAPIRequests returns how many requests hit the mock API under key
func (env *TestEnvironment) CountMockAPIRequests(key string) int {
	env.mockAPILock.RLock()
	defer env.mockAPILock.RUnlock()
	return env.mockAPIRequests[key]
}

func (env *TestEnvironment) countMockAPIRequest(key string) {
	env.mockAPILock.Lock()
	defer env.mockAPILock.Unlock()
	env.mockAPIRequests[key]++
}

func (env *TestEnvironment) recordPrompt(content string) {
	env.mockAPILock.Lock()
	defer env.mockAPILock.Unlock()
	env.prompts = append(env.prompts, content)
}

// Prompts returns the message contents the mock responder has seen, in order
func (env *TestEnvironment) Prompts() []string {
	env.mockAPILock.RLock()
	defer env.mockAPILock.RUnlock()

	out := make([]string, len(env.prompts))
	copy(out, env.prompts)
	return out
}

// WaitForCondition polls until the condition holds or the timeout elapses
func (env *TestEnvironment) WaitForCondition(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return condition()
}

// sentReply is one outbound message captured by the recording replier
type sentReply struct {
	Channel    models.ChannelKind
	PlatformID string
	VisitorID  string
	Text       string
}

// recordingReplier satisfies service.Replier and records every send instead
// of calling a vendor API. Injected failures are consumed one per send.
type recordingReplier struct {
	mu       sync.Mutex
	sent     []sentReply
	failures int
}

func (r *recordingReplier) SendReply(ctx context.Context, msg *models.CanonicalMessage, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failures > 0 {
		r.failures--
		return fmt.Errorf("injected send failure")
	}

	reply := sentReply{
		Channel:    msg.Channel,
		PlatformID: msg.PlatformID,
		Text:       text,
	}
	if msg.Visitor != nil {
		reply.VisitorID = msg.Visitor.ID
	}
	r.sent = append(r.sent, reply)
	return nil
}

// FailNext makes the next count sends fail
func (r *recordingReplier) FailNext(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = count
}

// Sent returns a copy of every reply delivered so far
func (r *recordingReplier) Sent() []sentReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]sentReply, len(r.sent))
	copy(out, r.sent)
	return out
}
