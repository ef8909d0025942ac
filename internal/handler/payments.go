package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/sprintpay/internal/gateway"
	"github.com/mmeshcher/sprintpay/internal/repository"
	"github.com/mmeshcher/sprintpay/internal/service"
	"github.com/mmeshcher/sprintpay/internal/verification"
	"github.com/mmeshcher/sprintpay/internal/webhook"
)

type checkoutRequest struct {
	SprintID     int64  `json:"sprintId"`
	Email        string `json:"email"`
	CustomerName string `json:"customerName"`
}

type checkoutResponse struct {
	Reference   string `json:"reference"`
	CheckoutURL string `json:"checkoutUrl"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
}

// StartCheckout создаёт намерение оплаты и страницу оплаты у шлюза.
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.SprintID <= 0 || req.Email == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.StartCheckout(r.Context(), service.CheckoutInput{
		PayerID:      userFromContext(r.Context()),
		Email:        req.Email,
		CustomerName: req.CustomerName,
		SprintID:     req.SprintID,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSprintNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNothingToPay):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, gateway.ErrNotConfigured):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("start checkout error", zap.Error(err), zap.Int64("sprintID", req.SprintID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		}
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		Reference:   res.Reference,
		CheckoutURL: res.CheckoutURL,
		Amount:      webhook.MajorUnits(res.Amount),
		Currency:    res.Currency,
	})
}

type statusResponse struct {
	Status   string `json:"status"`
	SprintID int64  `json:"sprintId"`
	UserID   *int64 `json:"userId"`
}

// GetPaymentStatus возвращает статус оплаты по reference.
func (h *Handler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	intent, err := h.service.GetPaymentStatus(r.Context(), reference)
	if err != nil {
		if errors.Is(err, service.ErrUnknownReference) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get payment status error", zap.Error(err), zap.String("reference", reference))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:   string(intent.Status),
		SprintID: intent.SprintID,
		UserID:   intent.PayerID,
	})
}

// VerifyCheckout проверяет оплату после возврата со страницы шлюза. Без сессии
// отвечает 401 со ссылкой на вход, сохраняющей параметры возврата.
func (h *Handler) VerifyCheckout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	reference := q.Get("reference")
	if reference == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sprintID := q.Get("sprintId")
	if _, ok := verification.ParseSprintID(sprintID); sprintID != "" && !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res := h.verifier.Verify(r.Context(), verification.Request{
		Reference: reference,
		SprintID:  sprintID,
		Email:     q.Get("email"),
		PayerID:   userFromContext(r.Context()),
	})

	switch res.State {
	case verification.StateCancelled:
		return
	case verification.StateAuthRequired:
		writeJSON(w, http.StatusUnauthorized, res)
	case verification.StateSuccess:
		writeJSON(w, http.StatusOK, res)
	case verification.StateDelayed:
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	}
}

// RefundPayment переводит успешную оплату в refunded.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	err := h.service.RefundIntent(r.Context(), reference)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownReference):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidTransition):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("refund error", zap.Error(err), zap.String("reference", reference))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.logger.Info("payment refunded", zap.String("reference", reference))
	w.WriteHeader(http.StatusOK)
}
