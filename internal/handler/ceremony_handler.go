package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"passkey-service/internal/ceremony"
	"passkey-service/internal/models"
	"passkey-service/internal/otp"
	"passkey-service/internal/util"
)

// EventSource serves the per-user event listing. Production wires the
// audit sink's search index here.
type EventSource interface {
	RecentEvents(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error)
}

// CeremonyHandler exposes the passkey and fallback ceremonies over
// HTTP.
type CeremonyHandler struct {
	ceremonies  *ceremony.Orchestrator
	fallback    *otp.Ceremony
	credentials models.CredentialRepository
	events      EventSource
	logger      *zap.Logger
}

func NewCeremonyHandler(
	ceremonies *ceremony.Orchestrator,
	fallback *otp.Ceremony,
	credentials models.CredentialRepository,
	events EventSource,
	logger *zap.Logger,
) *CeremonyHandler {
	return &CeremonyHandler{
		ceremonies:  ceremonies,
		fallback:    fallback,
		credentials: credentials,
		events:      events,
		logger:      logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers the ceremony routes.
func (h *CeremonyHandler) RegisterRoutes(router chi.Router) {
	router.Route("/register", func(r chi.Router) {
		r.Post("/begin", h.BeginRegistration)
		r.Post("/finish", h.FinishRegistration)
	})
	router.Route("/login", func(r chi.Router) {
		r.Post("/begin", h.BeginLogin)
		r.Post("/finish", h.FinishLogin)
	})
	router.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.SendOTP)
		r.Post("/verify", h.VerifyOTP)
	})
	router.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/credentials", h.ListCredentials)
		r.Get("/events", h.ListEvents)
	})
}

// BeginRegistration starts a registration ceremony
func (h *CeremonyHandler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Handle      string `json:"handle"`
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	started, err := h.ceremonies.BeginRegistration(ctx, ceremony.BeginRegistrationInput{
		Handle:      req.Handle,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		ClientIP:    clientIP(r),
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to begin registration")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(started, "Registration started"))
	h.logger.Info("Registration started via HTTP",
		util.String("user_id", started.UserID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "BeginRegistration"),
	)
}

// FinishRegistration completes a registration ceremony
func (h *CeremonyHandler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Handle   string          `json:"handle"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	outcome, err := h.ceremonies.FinishRegistration(ctx, ceremony.FinishRegistrationInput{
		Handle:   req.Handle,
		Response: req.Response,
		ClientIP: clientIP(r),
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to finish registration")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(outcome, "Credential enrolled"))
	h.logger.Info("Registration finished via HTTP",
		util.String("user_id", outcome.UserID),
		util.String("credential_id", outcome.CredentialID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "FinishRegistration"),
	)
}

// BeginLogin starts an authentication ceremony
func (h *CeremonyHandler) BeginLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	started, err := h.ceremonies.BeginLogin(ctx, ceremony.BeginLoginInput{
		Handle:   req.Handle,
		ClientIP: clientIP(r),
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to begin login")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(started, "Login started"))
	h.logger.Debug("Login started via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "BeginLogin"),
	)
}

// FinishLogin completes an authentication ceremony
func (h *CeremonyHandler) FinishLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	outcome, err := h.ceremonies.FinishLogin(ctx, ceremony.FinishLoginInput{
		Response: req.Response,
		ClientIP: clientIP(r),
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to finish login")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(outcome, "Login successful"))
	h.logger.Info("Login finished via HTTP",
		util.String("user_id", outcome.UserID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "FinishLogin"),
	)
}

// SendOTP issues a fallback code
func (h *CeremonyHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Target  string `json:"target"`
		Method  string `json:"method"`
		Purpose string `json:"purpose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	sent, err := h.fallback.Send(ctx, otp.SendInput{
		Target:   req.Target,
		Method:   models.DeliveryMethod(req.Method),
		Purpose:  models.OTPPurpose(req.Purpose),
		ClientIP: clientIP(r),
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(sent, "Code sent"))
	h.logger.Info("Fallback code sent via HTTP",
		util.String("ticket_id", sent.TicketID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "SendOTP"),
	)
}

// VerifyOTP checks a fallback code
func (h *CeremonyHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		TicketID string `json:"ticket_id"`
		Target   string `json:"target"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	outcome, err := h.fallback.Verify(ctx, otp.VerifyInput{
		TicketID: req.TicketID,
		Target:   req.Target,
		Code:     req.Code,
		ClientIP: clientIP(r),
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to verify code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(outcome, "Code verified"))
	h.logger.Info("Fallback code verified via HTTP",
		util.String("user_id", outcome.UserID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyOTP"),
	)
}

// credentialView is the public projection of a stored credential. Key
// material never leaves the service.
type credentialView struct {
	CredentialID   string     `json:"credential_id"`
	FriendlyName   string     `json:"friendly_name,omitempty"`
	Transports     []string   `json:"transports,omitempty"`
	BackupEligible bool       `json:"backup_eligible"`
	BackupState    bool       `json:"backup_state"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// ListCredentials returns a user's enrolled credentials
func (h *CeremonyHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("user ID is required"), "User ID is required")
		return
	}

	creds, err := h.credentials.GetCredentialsByUserID(ctx, userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list credentials")
		return
	}

	views := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, credentialView{
			CredentialID:   c.CredentialID,
			FriendlyName:   c.FriendlyName,
			Transports:     c.Transports,
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
			CreatedAt:      c.CreatedAt,
			LastUsedAt:     c.LastUsedAt,
		})
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(views, "Credentials retrieved"))
}

// ListEvents returns a user's recent security events
func (h *CeremonyHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("user ID is required"), "User ID is required")
		return
	}

	if h.events == nil {
		h.respondWithError(w, http.StatusNotImplemented, errors.New("event search is not configured"), "Event search is not configured")
		return
	}

	events, err := h.events.RecentEvents(ctx, userID, 50)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to list events")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(events, "Events retrieved"))
}

// Helper Methods

func (h *CeremonyHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *CeremonyHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode maps ceremony failures onto HTTP status codes.
func (h *CeremonyHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, ceremony.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ceremony.ErrVerificationFailed), errors.Is(err, ceremony.ErrCodeMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, ceremony.ErrCredentialNotFound), errors.Is(err, models.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ceremony.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ceremony.ErrChallengeInvalid):
		return http.StatusGone
	case errors.Is(err, ceremony.ErrNoCredentialsEnrolled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ceremony.ErrRateLimited), errors.Is(err, ceremony.ErrMaxAttemptsExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ceremony.ErrDeliveryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// clientIP extracts the caller address set by the RealIP middleware.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
