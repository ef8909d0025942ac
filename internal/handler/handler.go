// Package handler содержит HTTP-обработчики API сервиса оплаты спринтов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/sprintpay/internal/middleware"
	"github.com/mmeshcher/sprintpay/internal/model"
	"github.com/mmeshcher/sprintpay/internal/repository"
	"github.com/mmeshcher/sprintpay/internal/service"
	"github.com/mmeshcher/sprintpay/internal/verification"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, email, password string, referrerID *int64) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	StartCheckout(ctx context.Context, in service.CheckoutInput) (*service.CheckoutResult, error)
	GetPaymentStatus(ctx context.Context, reference string) (*model.PaymentIntent, error)
	Fulfill(ctx context.Context, req model.FulfillRequest) (*model.FulfillResult, error)
	RefundIntent(ctx context.Context, reference string) error
}

// Verifier проводит клиентскую проверку оплаты.
type Verifier interface {
	Verify(ctx context.Context, req verification.Request) verification.Result
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	verifier       Verifier
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookSecret  string
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, v Verifier, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookSecret, adminToken string) *Handler {
	return &Handler{
		service:        s,
		verifier:       v,
		logger:         logger,
		authMiddleware: auth,
		webhookSecret:  webhookSecret,
		adminToken:     adminToken,
	}
}

type registerRequest struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	Email      string `json:"email"`
	ReferrerID *int64 `json:"referrerId,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Email, req.Password, req.ReferrerID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, "unknown referrer", http.StatusUnprocessableEntity)
		default:
			h.logger.Error("register user error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.startSession(w, userID)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и выдаёт сессию.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.startSession(w, userID)
}

func (h *Handler) startSession(w http.ResponseWriter, userID int64) {
	if err := h.authMiddleware.SetAuthCookie(w, userID); err != nil {
		h.logger.Error("issue session error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func userFromContext(ctx context.Context) *int64 {
	if id, ok := middleware.GetUserIDFromContext(ctx); ok {
		return &id
	}
	return nil
}
