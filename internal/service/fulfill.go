package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/sprintpay/internal/enrollment"
	"github.com/mmeshcher/sprintpay/internal/metrics"
	"github.com/mmeshcher/sprintpay/internal/model"
	"github.com/mmeshcher/sprintpay/internal/repository"
)

const notifyTimeout = 5 * time.Second

// Fulfill — единая точка исполнения подтверждённой оплаты для вызова шлюза,
// клиентской проверки и сверки. Переводит pending-намерение в successful вместе
// с зачислением, комиссией и счётчиками одной транзакцией. Повторный вызов для
// завершённого намерения ничего не меняет и возвращает OutcomeAlreadyTerminal.
func (s *Service) Fulfill(ctx context.Context, req model.FulfillRequest) (*model.FulfillResult, error) {
	start := time.Now()
	defer func() {
		metrics.FulfillmentDuration.Observe(time.Since(start).Seconds())
	}()

	var (
		res    *model.FulfillResult
		reason string
	)

	err := retry.Do(
		func() error {
			res, reason = nil, ""
			return s.repo.InFulfillmentTx(ctx, func(tx repository.FulfillmentTx) error {
				var err error
				res, reason, err = s.fulfillTx(ctx, tx, req)
				return err
			})
		},
		retry.Context(ctx),
		retry.Attempts(s.opts.TxAttempts),
		retry.Delay(s.opts.TxRetryDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, repository.ErrTransientConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("fulfillment transaction conflict, retrying",
				zap.String("reference", req.Event.Reference),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		metrics.Fulfillments.WithLabelValues(string(req.Source), errorOutcome(err)).Inc()
		return nil, err
	}

	metrics.Fulfillments.WithLabelValues(string(req.Source), string(res.Outcome)).Inc()

	if res.Outcome == model.OutcomeRejected {
		s.logger.Warn("payment rejected",
			zap.String("reference", res.Reference),
			zap.String("source", string(req.Source)),
			zap.String("reason", reason))
		return res, fmt.Errorf("%w: %s", ErrIntegrityMismatch, reason)
	}

	if res.Outcome == model.OutcomeEnrolled || res.Outcome == model.OutcomeQueued {
		s.publishFulfilled(ctx, req, res)
	}

	return res, nil
}

// fulfillTx выполняет шаги исполнения внутри транзакции. Непустая причина
// означает отказ, который фиксируется вместе с транзакцией.
func (s *Service) fulfillTx(ctx context.Context, tx repository.FulfillmentTx, req model.FulfillRequest) (*model.FulfillResult, string, error) {
	ev := req.Event

	intent, err := tx.LockIntent(ctx, ev.Reference)
	if err != nil {
		if errors.Is(err, repository.ErrIntentNotFound) {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownReference, ev.Reference)
		}
		return nil, "", err
	}

	res := &model.FulfillResult{
		Reference: intent.Reference,
		SprintID:  intent.SprintID,
		Status:    intent.Status,
	}
	if intent.PayerID != nil {
		res.UserID = *intent.PayerID
	}

	if intent.Status.IsTerminal() {
		res.Outcome = model.OutcomeAlreadyTerminal
		return res, "", nil
	}

	now := s.now()

	if !ev.SameMoney(intent) {
		reason := fmt.Sprintf("amount mismatch: expected %d %s, got %d %s",
			intent.Amount, intent.Currency, ev.Amount, ev.Currency)
		if err := tx.FailIntent(ctx, intent.Reference, reason, ev.GatewayTxID, now); err != nil {
			return nil, "", err
		}
		res.Outcome = model.OutcomeRejected
		res.Status = model.IntentStatusFailed
		return res, reason, nil
	}

	payerID, err := resolvePayer(intent, req.PayerID)
	if err != nil {
		return nil, "", err
	}

	user, err := tx.LockUser(ctx, payerID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, "", fmt.Errorf("%w: user %d", ErrPayerUnresolved, payerID)
		}
		return nil, "", err
	}

	if !ownsGuestIntent(intent, user) {
		return nil, "", fmt.Errorf("%w: %s", ErrPayerMismatch, intent.Reference)
	}

	sprint, err := tx.GetSprint(ctx, intent.SprintID)
	if err != nil {
		return nil, "", err
	}

	active, err := tx.GetActiveEnrollment(ctx, payerID)
	if err != nil {
		return nil, "", err
	}

	switch enrollment.Decide(active) {
	case enrollment.Queue:
		if err := tx.QueueSprint(ctx, payerID, sprint.ID, intent.Reference, now); err != nil {
			return nil, "", err
		}
		res.Outcome = model.OutcomeQueued

	case enrollment.Enroll:
		if active != nil {
			if err := tx.CompleteEnrollment(ctx, active.ID); err != nil {
				return nil, "", err
			}
		}

		existing, err := tx.GetEnrollment(ctx, payerID, sprint.ID)
		if err != nil {
			return nil, "", err
		}

		e := enrollment.Build(existing, payerID, sprint, intent.Amount, now)
		if err := tx.UpsertEnrollment(ctx, e); err != nil {
			return nil, "", err
		}
		res.Outcome = model.OutcomeEnrolled
		res.EnrollmentID = e.ID

		triggered, err := s.tryTriggerCommission(ctx, tx, user, e, intent.Amount)
		if err != nil {
			return nil, "", err
		}
		res.CommissionTriggered = triggered
	}

	if err := tx.CompleteIntent(ctx, intent.Reference, payerID, ev.GatewayTxID, now); err != nil {
		return nil, "", err
	}

	if err := tx.IncrementStats(ctx, intent.Amount); err != nil {
		return nil, "", err
	}

	res.UserID = payerID
	res.Status = model.IntentStatusSuccessful

	return res, "", nil
}

// tryTriggerCommission закрывает реферальную комиссию на первом платном зачислении.
// Невыполненные условия — не ошибка.
func (s *Service) tryTriggerCommission(ctx context.Context, tx repository.FulfillmentTx, user *model.User, e model.Enrollment, pricePaid int64) (bool, error) {
	if user.ReferrerID == nil || user.PartnerCommissionClosed || pricePaid <= 0 {
		return false, nil
	}

	prior, err := tx.CountPaidEnrollments(ctx, user.ID, e.ID)
	if err != nil {
		return false, err
	}

	if !enrollment.CommissionEligible(user, pricePaid, prior == 0) {
		return false, nil
	}

	if err := tx.CloseCommission(ctx, user.ID, e.ID); err != nil {
		return false, err
	}

	if amount := enrollment.CommissionAmount(pricePaid, s.opts.CommissionPercent); amount > 0 {
		if err := tx.CreditWallet(ctx, *user.ReferrerID, amount); err != nil {
			return false, err
		}
	}

	return true, nil
}

func resolvePayer(intent *model.PaymentIntent, payerID *int64) (int64, error) {
	switch {
	case intent.PayerID != nil && payerID != nil && *intent.PayerID != *payerID:
		return 0, fmt.Errorf("%w: %s", ErrPayerMismatch, intent.Reference)
	case intent.PayerID != nil:
		return *intent.PayerID, nil
	case payerID != nil:
		return *payerID, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrPayerUnresolved, intent.Reference)
	}
}

// ownsGuestIntent проверяет, что гостевое намерение присваивает пользователь
// с тем же email, что был указан при оформлении.
func ownsGuestIntent(intent *model.PaymentIntent, user *model.User) bool {
	if intent.PayerID != nil || intent.Email == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(user.Email), strings.TrimSpace(intent.Email))
}

func (s *Service) publishFulfilled(ctx context.Context, req model.FulfillRequest, res *model.FulfillResult) {
	if s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	event := model.FulfilledEvent{
		ID:                  uuid.NewString(),
		Reference:           res.Reference,
		Outcome:             string(res.Outcome),
		UserID:              res.UserID,
		SprintID:            res.SprintID,
		Amount:              req.Event.Amount,
		Currency:            req.Event.Currency,
		CommissionTriggered: res.CommissionTriggered,
		Source:              string(req.Source),
		OccurredAt:          s.now().UTC(),
	}

	if err := s.publisher.PublishFulfilled(ctx, event); err != nil {
		metrics.NotificationFailures.Inc()
		s.logger.Error("publish fulfilled event failed",
			zap.String("reference", res.Reference),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrUnknownReference):
		return "unknown_reference"
	case errors.Is(err, ErrPayerUnresolved):
		return "payer_unresolved"
	case errors.Is(err, ErrPayerMismatch):
		return "payer_mismatch"
	case errors.Is(err, repository.ErrTransientConflict):
		return "conflict"
	default:
		return "error"
	}
}
