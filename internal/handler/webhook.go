package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/sprintpay/internal/metrics"
	"github.com/mmeshcher/sprintpay/internal/model"
	"github.com/mmeshcher/sprintpay/internal/service"
	"github.com/mmeshcher/sprintpay/internal/webhook"
)

const maxWebhookBody = 1 << 20

// PaymentWebhook принимает вызов шлюза. Не-2xx отдаётся только при неверной
// подписи, битом теле и сбое инфраструктуры; бизнес-отказы подтверждаются 200,
// чтобы шлюз не повторял доставку.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.signatureValid(r, body) {
		metrics.WebhookEvents.WithLabelValues("signature_invalid").Inc()
		h.logger.Warn("webhook signature rejected", zap.String("remote", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ev, err := webhook.ParseEvent(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		h.logger.Warn("webhook payload rejected", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !ev.Fulfillable() {
		metrics.WebhookEvents.WithLabelValues("ignored").Inc()
		h.logger.Debug("webhook event ignored", zap.String("event", ev.Name))
		w.WriteHeader(http.StatusOK)
		return
	}

	charge := ev.Charge.ChargeEvent()
	res, err := h.service.Fulfill(r.Context(), model.FulfillRequest{
		Event:  charge,
		Source: model.SourceWebhook,
	})

	switch {
	case err == nil:
		metrics.WebhookEvents.WithLabelValues(string(res.Outcome)).Inc()
		h.logger.Info("webhook fulfilled",
			zap.String("reference", charge.Reference),
			zap.String("outcome", string(res.Outcome)))
	case errors.Is(err, service.ErrIntegrityMismatch):
		metrics.WebhookEvents.WithLabelValues("rejected").Inc()
	case errors.Is(err, service.ErrUnknownReference):
		metrics.WebhookEvents.WithLabelValues("unknown_reference").Inc()
		h.logger.Warn("webhook for unknown reference", zap.String("reference", charge.Reference))
	case errors.Is(err, service.ErrPayerUnresolved):
		metrics.WebhookEvents.WithLabelValues("deferred").Inc()
		h.logger.Info("webhook deferred until payer signs in", zap.String("reference", charge.Reference))
	default:
		metrics.WebhookEvents.WithLabelValues("error").Inc()
		h.logger.Error("webhook fulfill error", zap.Error(err), zap.String("reference", charge.Reference))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) signatureValid(r *http.Request, body []byte) bool {
	if sig := r.Header.Get(webhook.SignatureHeader); sig != "" {
		return webhook.Verify(body, sig, h.webhookSecret)
	}
	return webhook.VerifyHash(r.Header.Get(webhook.HashHeader), h.webhookSecret)
}
