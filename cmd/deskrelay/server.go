package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/database"
	"deskrelay/internal/errors"
	"deskrelay/internal/httputil"
	"deskrelay/internal/middleware"
	"deskrelay/internal/models"
	"deskrelay/internal/service"
	"deskrelay/internal/tracing"
	"deskrelay/pkg/dingtalk"
	"deskrelay/pkg/feishu"
	"deskrelay/pkg/wecom"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxWebhookBodyBytes = 1 << 20

// messageStager durably stages a verified inbound message.
type messageStager interface {
	Ingest(ctx context.Context, rec *models.InboxRecord) (models.InsertOutcome, error)
}

// projectTrigger fires a reactive assignment sweep for a project.
type projectTrigger interface {
	TriggerProject(ctx context.Context, projectID string) (int, error)
}

// wecomKicker wakes a WeCom puller with a fresh sync token.
type wecomKicker interface {
	Kick(token string)
}

// Server is the HTTP surface: vendor webhook ingress, the operator queue API
// and the health/metrics/version endpoints.
type Server struct {
	cfg      *models.Config
	router   *mux.Router
	logger   *logrus.Logger
	db       *database.Database
	stager   messageStager
	queue    service.QueueServiceInterface
	trigger  projectTrigger
	registry *service.ChannelRegistry
	kickers  map[string]wecomKicker
	limiter  *RateLimiter
	server   *http.Server
}

func NewServer(cfg *models.Config, db *database.Database, stager messageStager, queue service.QueueServiceInterface, trigger projectTrigger, registry *service.ChannelRegistry, kickers map[string]wecomKicker, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		logger:   logger,
		db:       db,
		stager:   stager,
		queue:    queue,
		trigger:  trigger,
		registry: registry,
		kickers:  kickers,
		limiter:  NewRateLimiter(webhookRateLimit, webhookRateWindow),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))
	if s.logger.IsLevelEnabled(logrus.DebugLevel) {
		s.router.Use(middleware.DetailedLoggingMiddleware(s.logger, middleware.DefaultDetailedLoggingConfig()))
	}

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	// Vendor webhook ingress
	webhooks := s.router.PathPrefix("/webhooks").Subrouter()
	webhooks.Use(s.rateLimitMiddleware)
	webhooks.Handle("/dingtalk/{platformID}", s.webhook("dingtalk", s.handleDingTalkWebhook())).Methods(http.MethodPost)
	webhooks.Handle("/feishu/{platformID}", s.webhook("feishu", s.handleFeishuWebhook())).Methods(http.MethodPost)
	webhooks.Handle("/wecom/{platformID}", s.webhook("wecom", s.handleWecomVerify())).Methods(http.MethodGet)
	webhooks.Handle("/wecom/{platformID}", s.webhook("wecom", s.handleWecomWebhook())).Methods(http.MethodPost)

	// Operator API. /queue/counts must be registered before /queue/{id} so the
	// path segment is not captured as an entry id.
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/queue", s.handleQueueList()).Methods(http.MethodGet)
	api.HandleFunc("/queue/counts", s.handleQueueCounts()).Methods(http.MethodGet)
	api.HandleFunc("/queue/accept", s.handleQueueAccept()).Methods(http.MethodPost)
	api.HandleFunc("/queue/trigger", s.handleQueueTrigger()).Methods(http.MethodPost)
	api.HandleFunc("/queue/{id}", s.handleQueueGet()).Methods(http.MethodGet)
	api.HandleFunc("/queue/{id}/cancel", s.handleQueueCancel()).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/close", s.handleSessionClose()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	port := s.cfg.Server.Port
	if port <= 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Middleware

// webhook wraps a channel ingress handler with per-channel observability.
func (s *Server) webhook(channel string, h http.HandlerFunc) http.Handler {
	return middleware.WebhookObservabilityMiddleware(s.logger, channel)(h)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := s.cfg.Server.APIKey
		if expected == "" {
			// Startup validation rejects a blank key in production, so a
			// blank key here means a development run.
			next.ServeHTTP(w, r)
			return
		}
		provided := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			s.writeError(w, r, errors.NewAuthError("invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httputil.GetClientIP(r)
		if !s.limiter.Allow(ip) {
			s.logger.WithField("ip", ip).Warn("Webhook rate limit exceeded")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Operational endpoints

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.db != nil {
			if err := s.db.DB().PingContext(r.Context()); err != nil {
				s.logger.WithError(err).Error("Health check database ping failed")
				s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleVersion() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"version":   Version,
			"buildTime": BuildTime,
			"gitCommit": GitCommit,
		})
	}
}

// Webhook handlers

func (s *Server) handleDingTalkWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platformID := mux.Vars(r)["platformID"]
		channel, err := s.registry.Get(models.ChannelDingTalk, platformID)
		if err != nil {
			s.writeError(w, r, errors.NewNotFoundError("channel", platformID))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", "failed to read request body"))
			return
		}

		timestamp := r.Header.Get("X-DingTalk-Timestamp")
		signature := r.Header.Get("X-DingTalk-Sign")
		if err := dingtalk.VerifySignature(timestamp, channel.DingTalk.AppSecret, signature); err != nil {
			s.logger.WithError(err).WithField("platform", platformID).Warn("Rejected DingTalk callback")
			s.writeError(w, r, errors.NewSignatureError("dingtalk", err.Error()))
			return
		}

		rec, err := dingtalk.ParseMessage(body)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", err.Error()))
			return
		}
		rec.PlatformID = platformID

		if _, err := s.stager.Ingest(r.Context(), rec); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{})
	}
}

func (s *Server) handleFeishuWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platformID := mux.Vars(r)["platformID"]
		channel, err := s.registry.Get(models.ChannelFeishu, platformID)
		if err != nil {
			s.writeError(w, r, errors.NewNotFoundError("channel", platformID))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", "failed to read request body"))
			return
		}
		fcfg := channel.Feishu

		// The URL handshake arrives in plaintext before encryption is enabled
		// for the app, so it is answered before any verification.
		if challenge, ok := feishu.ChallengeResponse(body); ok {
			s.writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
			return
		}

		if fcfg.EncryptKey != "" {
			timestamp := r.Header.Get("X-Lark-Request-Timestamp")
			nonce := r.Header.Get("X-Lark-Request-Nonce")
			signature := r.Header.Get("X-Lark-Signature")
			if err := feishu.VerifySignature(fcfg.EncryptKey, timestamp, nonce, body, signature); err != nil {
				s.logger.WithError(err).WithField("platform", platformID).Warn("Rejected Feishu callback")
				s.writeError(w, r, errors.NewSignatureError("feishu", err.Error()))
				return
			}
		}

		decoded, err := feishu.DecodeEvent(body, fcfg.EncryptKey)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", err.Error()))
			return
		}

		// Encrypted handshakes unwrap to the same challenge shape
		if challenge, ok := feishu.ChallengeResponse(decoded); ok {
			s.writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
			return
		}

		if fcfg.EncryptKey == "" && fcfg.VerificationToken != "" {
			if feishu.EventToken(decoded) != fcfg.VerificationToken {
				s.logger.WithField("platform", platformID).Warn("Rejected Feishu callback with bad verification token")
				s.writeError(w, r, errors.NewSignatureError("feishu", "verification token mismatch"))
				return
			}
		}

		rec, err := feishu.ParseMessage(decoded)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", err.Error()))
			return
		}
		if rec == nil {
			// Non-message event, acknowledged without staging
			s.writeJSON(w, http.StatusOK, map[string]int{"code": 0})
			return
		}
		rec.PlatformID = platformID

		if _, err := s.stager.Ingest(r.Context(), rec); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]int{"code": 0})
	}
}

// handleWecomVerify answers the callback URL registration handshake: the
// signed echostr decrypts to a plaintext that must be echoed back verbatim.
func (s *Server) handleWecomVerify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platformID := mux.Vars(r)["platformID"]
		channel, err := s.registry.Get(models.ChannelWecom, platformID)
		if err != nil {
			s.writeError(w, r, errors.NewNotFoundError("channel", platformID))
			return
		}
		wcfg := channel.Wecom

		q := r.URL.Query()
		echostr := q.Get("echostr")
		if err := wecom.VerifySignature(wcfg.Token, q.Get("timestamp"), q.Get("nonce"), echostr, q.Get("msg_signature")); err != nil {
			s.logger.WithError(err).WithField("platform", platformID).Warn("Rejected WeCom verification")
			s.writeError(w, r, errors.NewSignatureError("wecom", err.Error()))
			return
		}

		plain, err := wecom.Decrypt(wcfg.AESKey, echostr)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("echostr", "", err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(plain); err != nil {
			s.logger.WithError(err).Error("Failed to write verification response")
		}
	}
}

func (s *Server) handleWecomWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platformID := mux.Vars(r)["platformID"]
		channel, err := s.registry.Get(models.ChannelWecom, platformID)
		if err != nil {
			s.writeError(w, r, errors.NewNotFoundError("channel", platformID))
			return
		}
		wcfg := channel.Wecom

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", "failed to read request body"))
			return
		}

		encrypted, err := wecom.DecodeEnvelope(body)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", err.Error()))
			return
		}

		q := r.URL.Query()
		if err := wecom.VerifySignature(wcfg.Token, q.Get("timestamp"), q.Get("nonce"), encrypted, q.Get("msg_signature")); err != nil {
			s.logger.WithError(err).WithField("platform", platformID).Warn("Rejected WeCom callback")
			s.writeError(w, r, errors.NewSignatureError("wecom", err.Error()))
			return
		}

		plain, err := wecom.Decrypt(wcfg.AESKey, encrypted)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", err.Error()))
			return
		}

		event, err := wecom.ParseSyncEvent(plain)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", err.Error()))
			return
		}
		if event != nil {
			if kicker, ok := s.kickers[platformID]; ok {
				kicker.Kick(event.Token)
			} else {
				s.logger.WithField("platform", platformID).Warn("No puller registered for WeCom callback")
			}
		}

		// WeCom retries the callback unless it gets this exact body back
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("success")); err != nil {
			s.logger.WithError(err).Error("Failed to write callback acknowledgement")
		}
	}
}

// Queue API handlers

func (s *Server) handleQueueList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := models.QueueFilter{
			ProjectID: q.Get("projectId"),
			VisitorID: q.Get("visitorId"),
			Status:    models.WaitingStatus(q.Get("status")),
			Source:    models.QueueSource(q.Get("source")),
			Urgency:   models.QueueUrgency(q.Get("urgency")),
		}
		var err error
		if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
			s.writeError(w, r, errors.NewValidationError("limit", q.Get("limit"), "must be an integer"))
			return
		}
		if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
			s.writeError(w, r, errors.NewValidationError("offset", q.Get("offset"), "must be an integer"))
			return
		}

		entries, err := s.queue.List(r.Context(), filter)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

func (s *Server) handleQueueCounts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("projectId")
		if projectID == "" {
			s.writeError(w, r, errors.NewValidationError("projectId", "", "is required"))
			return
		}

		counts, err := s.queue.Counts(r.Context(), projectID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, counts)
	}
}

func (s *Server) handleQueueGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, position, err := s.queue.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"entry":    entry,
			"position": position,
		})
	}
}

func (s *Server) handleQueueCancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			s.writeError(w, r, errors.NewValidationError("body", "", "invalid JSON"))
			return
		}

		cancelled, err := s.queue.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
	}
}

func (s *Server) handleQueueAccept() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectID string `json:"projectId"`
			VisitorID string `json:"visitorId"`
			StaffID   string `json:"staffId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", "invalid JSON"))
			return
		}
		if req.ProjectID == "" || req.VisitorID == "" || req.StaffID == "" {
			s.writeError(w, r, errors.NewValidationError("body", "", "projectId, visitorId and staffId are required"))
			return
		}

		result, err := s.queue.Accept(r.Context(), req.ProjectID, req.VisitorID, req.StaffID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleQueueTrigger() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectID string `json:"projectId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "", "invalid JSON"))
			return
		}
		if req.ProjectID == "" {
			s.writeError(w, r, errors.NewValidationError("projectId", "", "is required"))
			return
		}

		assigned, err := s.trigger.TriggerProject(r.Context(), req.ProjectID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]int{"assigned": assigned})
	}
}

func (s *Server) handleSessionClose() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		session, closed, err := s.queue.CloseSession(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if session == nil {
			s.writeError(w, r, errors.NewNotFoundError("session", id))
			return
		}

		if closed {
			// The freed staff member may unblock the project's queue. The sweep
			// outlives the request, so it runs detached from its context.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
				defer cancel()
				if _, err := s.trigger.TriggerProject(ctx, session.ProjectID); err != nil {
					s.logger.WithError(err).WithField("project", session.ProjectID).Warn("Post-close sweep failed")
				}
			}()
		}

		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"closed":  closed,
			"session": session,
		})
	}
}

// Response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestInfo := tracing.GetRequestInfo(r.Context())
	status := errors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestInfo.RequestID,
			"path":       r.URL.Path,
		}).Error("Request failed")
	}
	s.writeJSON(w, status, errors.ToHTTPResponse(err, requestInfo.RequestID))
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
