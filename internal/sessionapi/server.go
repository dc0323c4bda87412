package sessionapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/voicetranslate/internal/session"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

const (
	claimsContextKey = "auth_claims"
	scopeContextKey  = "ledger_scope"
	// statusClientClosedRequest is reported when the caller abandons a translation.
	statusClientClosedRequest = 499
)

// Run boots the HTTP façade and blocks until ctx is done.
func Run(ctx context.Context, cfg Config, registry *Registry, logger *zap.Logger, metricsHandler http.Handler) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := newHTTPHandler(ctx, cfg, registry, logger)
	router := setupRouter(cfg, handler, validator, metricsHandler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("session api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, metricsHandler http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", cfg.DeviceHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	device := router.Group("/api/device")
	device.Use(handler.requireDeviceScope)
	registerLedgerRoutes(device, handler)

	account := router.Group("/api/account")
	account.Use(validator.GinMiddleware(claimsContextKey), handler.requireAccountScope)
	registerLedgerRoutes(account, handler)
	account.POST("/credits", handler.handleAddCredits)
	account.POST("/migrate", handler.handleMigrate)

	return router
}

func registerLedgerRoutes(group *gin.RouterGroup, handler *httpHandler) {
	group.GET("/balance", handler.handleBalance)
	group.GET("/entries", handler.handleEntries)
	group.POST("/session/start", handler.handleStartSession)
	group.POST("/session/stop", handler.handleStopSession)
	group.POST("/session/cancel", handler.handleCancelSession)
	group.POST("/translate", handler.handleTranslate)
}

type httpHandler struct {
	// baseCtx outlives individual requests; session meters run under it.
	baseCtx  context.Context
	cfg      Config
	registry *Registry
	logger   *zap.Logger
}

func newHTTPHandler(baseCtx context.Context, cfg Config, registry *Registry, logger *zap.Logger) *httpHandler {
	return &httpHandler{baseCtx: baseCtx, cfg: cfg, registry: registry, logger: logger}
}

func (handler *httpHandler) requireDeviceScope(ctx *gin.Context) {
	deviceID, err := ledger.NewDeviceID(ctx.GetHeader(handler.cfg.DeviceHeader))
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, errorResponse("invalid_device", fmt.Sprintf("%s header is required", handler.cfg.DeviceHeader)))
		return
	}
	ctx.Set(scopeContextKey, ledger.AnonymousScope(deviceID))
	ctx.Next()
}

func (handler *httpHandler) requireAccountScope(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid user"))
		return
	}
	ctx.Set(scopeContextKey, ledger.AccountScope(userID))
	ctx.Next()
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	service, ok := handler.ledgerFor(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalancePayload(service)})
}

func (handler *httpHandler) handleEntries(ctx *gin.Context) {
	service, ok := handler.ledgerFor(ctx)
	if !ok {
		return
	}
	limit := handler.cfg.EntriesLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxEntriesLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", fmt.Sprintf("limit must be within [1, %d]", maxEntriesLimit)))
			return
		}
		limit = parsed
	}
	before := time.Now().UTC().Add(time.Second).Unix()
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be a unix timestamp"))
			return
		}
		before = parsed
	}
	entries, err := service.ListEntries(ctx.Request.Context(), before, limit)
	if err != nil {
		handler.logger.Error("list entries failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "entries unavailable"))
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleStartSession(ctx *gin.Context) {
	service, controller, ok := handler.controllerFor(ctx)
	if !ok {
		return
	}
	if err := controller.Begin(handler.baseCtx); err != nil {
		switch {
		case errors.Is(err, session.ErrInsufficientBalance):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_balance", "no seconds remaining"))
		case errors.Is(err, session.ErrAlreadyRunning):
			ctx.JSON(http.StatusConflict, errorResponse("session_active", "a session is already running"))
		default:
			handler.logger.Error("session start failed", zap.Error(err))
			ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "session start failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalancePayload(service)})
}

func (handler *httpHandler) handleStopSession(ctx *gin.Context) {
	handler.settleSession(ctx, false)
}

func (handler *httpHandler) handleCancelSession(ctx *gin.Context) {
	handler.settleSession(ctx, true)
}

func (handler *httpHandler) settleSession(ctx *gin.Context, refund bool) {
	service, controller, ok := handler.controllerFor(ctx)
	if !ok {
		return
	}
	var (
		summary ledger.SessionSummary
		err     error
	)
	if refund {
		summary, err = controller.Abort(ctx.Request.Context())
	} else {
		summary, err = controller.Meter().Stop(context.WithoutCancel(ctx.Request.Context()))
	}
	if err != nil {
		handler.logger.Error("session settle failed", zap.Bool("refund", refund), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "session settle failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"summary": newSummaryPayload(summary),
		"balance": newBalancePayload(service),
	})
}

func (handler *httpHandler) handleTranslate(ctx *gin.Context) {
	service, controller, ok := handler.controllerFor(ctx)
	if !ok {
		return
	}
	var request translateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if len(request.Text) > maxTextLength {
		ctx.JSON(http.StatusBadRequest, errorResponse("text_too_long", fmt.Sprintf("text must be at most %d characters", maxTextLength)))
		return
	}
	if service.Session().State != ledger.SessionActive {
		ctx.JSON(http.StatusConflict, errorResponse("session_not_active", "start a session before translating"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.TranslateTimeout)
	defer cancel()
	outcome, err := controller.Translate(requestCtx, request.Text, request.SourceLanguage, request.TargetLanguage)
	if err != nil {
		handler.writeTranslationError(ctx, err, outcome.Summary, service)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"translation": newTranslationPayload(outcome.Translation),
		"summary":     newSummaryPayload(outcome.Summary),
		"balance":     newBalancePayload(service),
	})
}

func (handler *httpHandler) writeTranslationError(ctx *gin.Context, err error, summary ledger.SessionSummary, service *ledger.Service) {
	var failure *translation.Failure
	if !errors.As(err, &failure) {
		handler.logger.Error("translation settle failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "session settle failed"))
		return
	}
	statusCode := http.StatusBadGateway
	switch failure.Kind {
	case translation.KindEmptyInput:
		statusCode = http.StatusBadRequest
	case translation.KindClientError:
		statusCode = http.StatusBadRequest
		if failure.StatusCode >= 400 && failure.StatusCode < 500 {
			statusCode = failure.StatusCode
		}
	case translation.KindTimeout:
		statusCode = http.StatusGatewayTimeout
	case translation.KindCancelled:
		statusCode = statusClientClosedRequest
	}
	body := errorResponse(string(failure.Kind), failure.Error())
	body["summary"] = newSummaryPayload(summary)
	body["balance"] = newBalancePayload(service)
	ctx.JSON(statusCode, body)
}

func (handler *httpHandler) handleAddCredits(ctx *gin.Context) {
	service, ok := handler.ledgerFor(ctx)
	if !ok {
		return
	}
	var request creditsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Seconds <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "seconds must be positive"))
		return
	}
	if err := service.Add(ctx.Request.Context(), request.Seconds); err != nil {
		if errors.Is(err, ledger.ErrCapExceeded) {
			ctx.JSON(http.StatusConflict, errorResponse("cap_exceeded", fmt.Sprintf("balance cannot exceed %d seconds", service.Snapshot().CapSeconds)))
			return
		}
		handler.logger.Error("add credits failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "add failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalancePayload(service)})
}

// handleMigrate moves an anonymous device balance into the signed-in account.
// The account is credited before the device is cleared, so a crash in between
// leaves the device balance intact and a retry is absorbed by the idempotent credit.
func (handler *httpHandler) handleMigrate(ctx *gin.Context) {
	accountLedger, ok := handler.ledgerFor(ctx)
	if !ok {
		return
	}
	var request migrateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	deviceID, err := ledger.NewDeviceID(request.DeviceID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_device", "device_id is required"))
		return
	}
	requestCtx := ctx.Request.Context()
	deviceLedger, err := handler.registry.Ledger(requestCtx, ledger.AnonymousScope(deviceID))
	if err != nil {
		handler.logger.Error("device ledger load failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "device ledger unavailable"))
		return
	}
	if deviceLedger.Session().State == ledger.SessionActive {
		ctx.JSON(http.StatusConflict, errorResponse("session_active", "stop the device session before migrating"))
		return
	}
	seconds, err := deviceLedger.MigrateToAccount(requestCtx)
	if err != nil {
		handler.logger.Error("migration read failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "migration failed"))
		return
	}
	credited, err := accountLedger.AcceptMigration(requestCtx, deviceID, seconds)
	if err != nil {
		handler.logger.Error("migration credit failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "migration failed"))
		return
	}
	if err := deviceLedger.ClearAfterMigration(requestCtx); err != nil {
		handler.logger.Error("migration clear failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "migration clear failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"migrated_seconds": seconds,
		"credited":         credited,
		"balance":          newBalancePayload(accountLedger),
	})
}

func (handler *httpHandler) ledgerFor(ctx *gin.Context) (*ledger.Service, bool) {
	scope, ok := getScope(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing scope"))
		return nil, false
	}
	service, err := handler.registry.Ledger(ctx.Request.Context(), scope)
	if err != nil {
		handler.logger.Error("ledger load failed", zap.String("scope", scope.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "ledger unavailable"))
		return nil, false
	}
	return service, true
}

func (handler *httpHandler) controllerFor(ctx *gin.Context) (*ledger.Service, *session.Controller, bool) {
	service, ok := handler.ledgerFor(ctx)
	if !ok {
		return nil, nil, false
	}
	controller, err := handler.registry.Controller(ctx.Request.Context(), service.Scope())
	if err != nil {
		handler.logger.Error("controller load failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "ledger unavailable"))
		return nil, nil, false
	}
	return service, controller, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func getScope(ctx *gin.Context) (ledger.OwnerScope, bool) {
	scopeValue, ok := ctx.Get(scopeContextKey)
	if !ok {
		return ledger.OwnerScope{}, false
	}
	scope, ok := scopeValue.(ledger.OwnerScope)
	return scope, ok && !scope.IsZero()
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type translateRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

type creditsRequest struct {
	Seconds int64 `json:"seconds"`
}

type migrateRequest struct {
	DeviceID string `json:"device_id"`
}

type balancePayload struct {
	ScopeKind        string         `json:"scope_kind"`
	ScopeID          string         `json:"scope_id"`
	SecondsRemaining int64          `json:"seconds_remaining"`
	CapSeconds       int64          `json:"cap_seconds"`
	Migrated         bool           `json:"migrated"`
	NextResetUnixUTC int64          `json:"next_reset_unix_utc"`
	Session          sessionPayload `json:"session"`
}

type sessionPayload struct {
	ID                 string `json:"id,omitempty"`
	State              string `json:"state"`
	AccumulatedSeconds int64  `json:"accumulated_seconds"`
	DeductedSeconds    int64  `json:"deducted_seconds"`
	LastOutcome        string `json:"last_outcome,omitempty"`
}

type summaryPayload struct {
	SessionID          string `json:"session_id,omitempty"`
	Outcome            string `json:"outcome,omitempty"`
	AccumulatedSeconds int64  `json:"accumulated_seconds"`
	ChargedSeconds     int64  `json:"charged_seconds"`
	RefundedSeconds    int64  `json:"refunded_seconds"`
	BalanceAfter       int64  `json:"balance_after"`
}

type translationPayload struct {
	RequestID      string   `json:"request_id"`
	Text           string   `json:"text"`
	SourceLanguage string   `json:"source_language"`
	TargetLanguage string   `json:"target_language"`
	Confidence     float64  `json:"confidence"`
	AudioBase64    string   `json:"audio_base64,omitempty"`
	Source         string   `json:"source"`
	Fallback       bool     `json:"fallback"`
	Attempts       int      `json:"attempts"`
	Warning        *warning `json:"warning,omitempty"`
}

type warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Type           string `json:"type"`
	Seconds        int64  `json:"seconds"`
	BalanceAfter   int64  `json:"balance_after"`
	SessionID      string `json:"session_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Metadata       string `json:"metadata,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func newBalancePayload(service *ledger.Service) balancePayload {
	balance := service.Snapshot()
	current := service.Session()
	return balancePayload{
		ScopeKind:        string(balance.Scope.Kind()),
		ScopeID:          balance.Scope.ID(),
		SecondsRemaining: balance.SecondsRemaining,
		CapSeconds:       balance.CapSeconds,
		Migrated:         balance.Migrated,
		NextResetUnixUTC: service.NextWeeklyResetAt().Unix(),
		Session: sessionPayload{
			ID:                 current.ID,
			State:              string(current.State),
			AccumulatedSeconds: current.AccumulatedSeconds,
			DeductedSeconds:    current.DeductedSeconds,
			LastOutcome:        string(current.LastOutcome),
		},
	}
}

func newSummaryPayload(summary ledger.SessionSummary) summaryPayload {
	return summaryPayload{
		SessionID:          summary.SessionID,
		Outcome:            string(summary.Outcome),
		AccumulatedSeconds: summary.AccumulatedSeconds,
		ChargedSeconds:     summary.ChargedSeconds,
		RefundedSeconds:    summary.RefundedSeconds,
		BalanceAfter:       summary.BalanceAfter,
	}
}

func newTranslationPayload(result translation.Translation) translationPayload {
	payload := translationPayload{
		RequestID:      result.RequestID,
		Text:           result.Text,
		SourceLanguage: result.SourceLang,
		TargetLanguage: result.TargetLang,
		Confidence:     result.Confidence,
		Source:         string(result.Source),
		Fallback:       result.FromFallback(),
		Attempts:       result.Attempts,
	}
	if len(result.Audio) > 0 {
		payload.AudioBase64 = base64.StdEncoding.EncodeToString(result.Audio)
	}
	if result.Warning != nil {
		payload.Warning = &warning{Code: string(result.Warning.Kind), Message: strings.TrimSpace(result.Warning.Error())}
	}
	return payload
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID,
		Type:           string(entry.Type),
		Seconds:        entry.Seconds,
		BalanceAfter:   entry.BalanceAfter,
		SessionID:      entry.SessionID,
		IdempotencyKey: entry.IdempotencyKey.String(),
		Metadata:       entry.Metadata.String(),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}
