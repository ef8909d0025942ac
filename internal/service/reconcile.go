package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/sprintpay/internal/gateway"
	"github.com/mmeshcher/sprintpay/internal/model"
)

const reconcileBatchSize = 50

// StartReconciliation запускает фоновую сверку зависших pending-намерений со шлюзом.
func (s *Service) StartReconciliation(ctx context.Context) {
	if s.gateway == nil || s.opts.ReconcileInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.opts.ReconcileInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcileBatch(ctx)
			}
		}
	}()
}

// reconcileBatch возвращает число исполненных намерений.
func (s *Service) reconcileBatch(ctx context.Context) int {
	intents, err := s.repo.GetPendingIntents(ctx, s.opts.ReconcileAfter, s.opts.ReconcileMaxAge, reconcileBatchSize)
	if err != nil {
		s.logger.Error("load pending intents failed", zap.Error(err))
		return 0
	}

	fulfilled := 0
	for _, intent := range intents {
		if ctx.Err() != nil {
			return fulfilled
		}

		if s.reconcileOne(ctx, intent) {
			fulfilled++
		}
	}

	return fulfilled
}

func (s *Service) reconcileOne(ctx context.Context, intent model.PaymentIntent) bool {
	tx, err := s.gateway.VerifyByReference(ctx, intent.Reference)
	if err != nil {
		if !errors.Is(err, gateway.ErrTransactionNotFound) {
			s.logger.Warn("reconcile verify failed",
				zap.String("reference", intent.Reference),
				zap.Error(err))
		}
		return false
	}

	if !tx.Successful() || tx.Reference != intent.Reference {
		return false
	}

	res, err := s.Fulfill(ctx, model.FulfillRequest{
		Event:   tx.ChargeEvent(),
		PayerID: intent.PayerID,
		Source:  model.SourceReconcile,
	})
	if err != nil {
		s.logger.Warn("reconcile fulfill failed",
			zap.String("reference", intent.Reference),
			zap.Error(err))
		return false
	}

	s.logger.Info("payment reconciled",
		zap.String("reference", intent.Reference),
		zap.String("outcome", string(res.Outcome)))

	return res.Outcome == model.OutcomeEnrolled || res.Outcome == model.OutcomeQueued
}
