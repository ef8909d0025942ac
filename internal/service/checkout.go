package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/sprintpay/internal/gateway"
	"github.com/mmeshcher/sprintpay/internal/model"
	"github.com/mmeshcher/sprintpay/internal/repository"
)

// ReferencePrefix открывает все reference, выпущенные сервисом.
const ReferencePrefix = "vec"

// CheckoutInput описывает запрос на оформление оплаты спринта.
type CheckoutInput struct {
	PayerID      *int64
	Email        string
	CustomerName string
	SprintID     int64
}

// CheckoutResult содержит reference намерения и адрес страницы оплаты.
type CheckoutResult struct {
	Reference   string
	CheckoutURL string
	Amount      int64
	Currency    string
}

// NewReference выпускает уникальный reference вида vec-<sprint>-<случайный суффикс>.
func NewReference(sprintID int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", ReferencePrefix, sprintID, suffix)
}

// StartCheckout записывает pending-намерение с ценой спринта и создаёт страницу оплаты в шлюзе.
// Намерение сохраняется до обращения к шлюзу, поэтому любой будущий вызов шлюза найдёт его.
func (s *Service) StartCheckout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	if s.gateway == nil {
		return nil, gateway.ErrNotConfigured
	}

	sprint, err := s.repo.GetSprint(ctx, in.SprintID)
	if err != nil {
		return nil, err
	}
	if sprint.Price <= 0 {
		return nil, ErrNothingToPay
	}

	now := s.now()
	intent := model.PaymentIntent{
		Reference: NewReference(sprint.ID),
		PayerID:   in.PayerID,
		Email:     strings.TrimSpace(in.Email),
		SprintID:  sprint.ID,
		Amount:    sprint.Price,
		Currency:  strings.ToUpper(sprint.Currency),
		Status:    model.IntentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("record intent: %w", err)
	}

	checkout, err := s.gateway.CreateCheckout(ctx, gateway.CheckoutRequest{
		Email:        intent.Email,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Reference:    intent.Reference,
		RedirectURL:  s.redirectURL(intent),
		CustomerName: in.CustomerName,
	})
	if err != nil {
		s.logger.Warn("create checkout failed",
			zap.String("reference", intent.Reference),
			zap.Error(err))
		return nil, fmt.Errorf("create checkout: %w", err)
	}

	return &CheckoutResult{
		Reference:   intent.Reference,
		CheckoutURL: checkout.URL,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
	}, nil
}

func (s *Service) redirectURL(intent model.PaymentIntent) string {
	q := url.Values{}
	q.Set("reference", intent.Reference)
	q.Set("sprintId", strconv.FormatInt(intent.SprintID, 10))
	if intent.Email != "" {
		q.Set("email", intent.Email)
	}

	sep := "?"
	if strings.Contains(s.opts.RedirectURL, "?") {
		sep = "&"
	}
	return s.opts.RedirectURL + sep + q.Encode()
}

// RefundIntent переводит успешную оплату в refunded. Зачисление и счётчики не меняются.
// Повторный возврат ничего не делает.
func (s *Service) RefundIntent(ctx context.Context, reference string) error {
	return s.repo.InFulfillmentTx(ctx, func(tx repository.FulfillmentTx) error {
		intent, err := tx.LockIntent(ctx, reference)
		if err != nil {
			if errors.Is(err, repository.ErrIntentNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownReference, reference)
			}
			return err
		}

		switch intent.Status {
		case model.IntentStatusRefunded:
			return nil
		case model.IntentStatusSuccessful:
			return tx.RefundIntent(ctx, reference, s.now())
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, intent.Status, model.IntentStatusRefunded)
		}
	})
}
