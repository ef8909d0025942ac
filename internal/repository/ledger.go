package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/sprintpay/internal/model"
)

const intentColumns = `reference, payer_id, email, sprint_id, amount, currency, status,
	failure_reason, gateway_tx_id, created_at, updated_at, completed_at`

// CreateIntent записывает намерение оплаты в статусе pending.
func (r *PostgresRepository) CreateIntent(ctx context.Context, intent model.PaymentIntent) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`INSERT INTO payment_intents (reference, payer_id, email, sprint_id, amount, currency, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (reference) DO NOTHING`,
			intent.Reference, intent.PayerID, intent.Email, intent.SprintID,
			intent.Amount, intent.Currency, string(model.IntentStatusPending),
		)
		if err != nil {
			return fmt.Errorf("insert intent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrIntentExists, intent.Reference)
		}
		return nil
	})
}

// GetIntent возвращает намерение оплаты по reference.
func (r *PostgresRepository) GetIntent(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	var intent *model.PaymentIntent
	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1`,
			reference,
		)
		var err error
		intent, err = scanIntent(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// GetPendingIntents возвращает ожидающие намерения с известным плательщиком,
// созданные в заданном окне возраста.
func (r *PostgresRepository) GetPendingIntents(ctx context.Context, olderThan, maxAge time.Duration, limit int) ([]model.PaymentIntent, error) {
	now := r.now()
	rows, err := r.pool.Query(ctx,
		`SELECT `+intentColumns+`
		 FROM payment_intents
		 WHERE status = $1 AND payer_id IS NOT NULL AND created_at <= $2 AND created_at >= $3
		 ORDER BY created_at
		 LIMIT $4`,
		string(model.IntentStatusPending), now.Add(-olderThan), now.Add(-maxAge), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending intents: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *intent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanIntent(row pgx.Row) (*model.PaymentIntent, error) {
	var (
		intent model.PaymentIntent
		status string
	)
	err := row.Scan(&intent.Reference, &intent.PayerID, &intent.Email, &intent.SprintID,
		&intent.Amount, &intent.Currency, &status, &intent.FailureReason, &intent.GatewayTxID,
		&intent.CreatedAt, &intent.UpdatedAt, &intent.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("scan intent: %w", err)
	}
	intent.Status = model.IntentStatus(status)
	return &intent, nil
}
