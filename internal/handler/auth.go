package handler

import (
	"errors"
	"net/http"
	"time"

	"bloodbank-api/internal/model"
	"bloodbank-api/internal/service"
	"bloodbank-api/pkg/apierror"
	"bloodbank-api/pkg/response"

	"go.uber.org/zap"
)

// AuthHandler handles authentication-related HTTP requests.
type AuthHandler struct {
	tokenService *service.TokenService
	log          *zap.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(tokenService *service.TokenService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		tokenService: tokenService,
		log:          log.Named("auth"),
	}
}

// TokenRequest represents the request body for token generation.
type TokenRequest struct {
	Subject string `json:"subject" validate:"omitempty,max=64"`
	Role    string `json:"role" validate:"omitempty,oneof=admin staff"`
}

// TokenResponse represents the response for token generation.
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateToken handles POST /api/v1/auth/token. An admin (usually holding an
// API key) mints a bearer token for itself or for a named operator.
func (h *AuthHandler) GenerateToken(w http.ResponseWriter, r *http.Request) {
	caller := actor(r)
	if !caller.IsAdmin() {
		writeError(w, h.log, service.ErrForbidden)
		return
	}

	var req TokenRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	subject := &model.Actor{ID: caller.ID, Role: caller.Role}
	if req.Subject != "" {
		subject.ID = req.Subject
	}
	if req.Role != "" {
		subject.Role = req.Role
	}
	h.issue(w, subject)
}

// RefreshToken handles POST /api/v1/auth/refresh
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	caller := actor(r)
	if caller == nil {
		response.Error(w, apierror.Unauthorized(""))
		return
	}
	h.issue(w, caller)
}

func (h *AuthHandler) issue(w http.ResponseWriter, subject *model.Actor) {
	token, expires, err := h.tokenService.Issue(subject)
	if errors.Is(err, service.ErrTokensDisabled) {
		response.Error(w, apierror.ServiceUnavailable("token issuing is not configured"))
		return
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("token issued", zap.String("subject", subject.ID), zap.String("role", subject.Role))
	response.OK(w, TokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int(time.Until(expires).Seconds()),
		ExpiresAt: expires,
	})
}
