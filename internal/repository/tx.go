package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/sprintpay/internal/model"
)

// FulfillmentTx — операции, доступные внутри одной транзакции исполнения оплаты.
// Все записи фиксируются вместе при успешном возврате из функции транзакции.
type FulfillmentTx interface {
	LockIntent(ctx context.Context, reference string) (*model.PaymentIntent, error)
	CompleteIntent(ctx context.Context, reference string, payerID int64, gatewayTxID string, at time.Time) error
	FailIntent(ctx context.Context, reference, reason, gatewayTxID string, at time.Time) error
	RefundIntent(ctx context.Context, reference string, at time.Time) error

	LockUser(ctx context.Context, userID int64) (*model.User, error)
	GetSprint(ctx context.Context, sprintID int64) (*model.Sprint, error)

	GetActiveEnrollment(ctx context.Context, userID int64) (*model.Enrollment, error)
	GetEnrollment(ctx context.Context, userID, sprintID int64) (*model.Enrollment, error)
	CountPaidEnrollments(ctx context.Context, userID int64, exceptID string) (int, error)
	CompleteEnrollment(ctx context.Context, enrollmentID string) error
	UpsertEnrollment(ctx context.Context, e model.Enrollment) error
	QueueSprint(ctx context.Context, userID, sprintID int64, reference string, at time.Time) error

	CloseCommission(ctx context.Context, userID int64, enrollmentID string) error
	CreditWallet(ctx context.Context, userID, amount int64) error
	IncrementStats(ctx context.Context, revenue int64) error
}

// InFulfillmentTx выполняет fn в одной транзакции. Временные ошибки возвращаются
// обёрнутыми в ErrTransientConflict, чтобы вызывающий мог повторить транзакцию целиком.
func (r *PostgresRepository) InFulfillmentTx(ctx context.Context, fn func(tx FulfillmentTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}

	return nil
}

func classify(err error) error {
	if IsTransient(err) && !errors.Is(err, ErrTransientConflict) {
		return fmt.Errorf("%w: %v", ErrTransientConflict, err)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockIntent(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1 FOR UPDATE`,
		reference,
	)
	return scanIntent(row)
}

func (t *pgTx) CompleteIntent(ctx context.Context, reference string, payerID int64, gatewayTxID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE payment_intents
		 SET status = $2, payer_id = $3, gateway_tx_id = $4, completed_at = $5, updated_at = $5
		 WHERE reference = $1 AND status = $6`,
		reference, string(model.IntentStatusSuccessful), payerID, gatewayTxID, at,
		string(model.IntentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("complete intent: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("complete intent %s: status changed concurrently", reference)
	}
	return nil
}

func (t *pgTx) FailIntent(ctx context.Context, reference, reason, gatewayTxID string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE payment_intents
		 SET status = $2, failure_reason = $3, gateway_tx_id = $4, updated_at = $5
		 WHERE reference = $1 AND status = $6`,
		reference, string(model.IntentStatusFailed), reason, gatewayTxID, at,
		string(model.IntentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("fail intent: %w", err)
	}
	return nil
}

func (t *pgTx) RefundIntent(ctx context.Context, reference string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE payment_intents SET status = $2, updated_at = $3 WHERE reference = $1 AND status = $4`,
		reference, string(model.IntentStatusRefunded), at, string(model.IntentStatusSuccessful),
	)
	if err != nil {
		return fmt.Errorf("refund intent: %w", err)
	}
	return nil
}

// LockUser блокирует строку пользователя, сериализуя параллельные покупки одного пользователя.
func (t *pgTx) LockUser(ctx context.Context, userID int64) (*model.User, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, login, email, password_hash, referrer_id, wallet_balance, partner_commission_closed, created_at
		 FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	)
	return scanUser(row)
}

func (t *pgTx) GetSprint(ctx context.Context, sprintID int64) (*model.Sprint, error) {
	return getSprint(ctx, t.tx, sprintID)
}

const enrollmentColumns = `id, user_id, sprint_id, coach_id, started_at, price_paid, status, progress, commission_trigger`

func (t *pgTx) GetActiveEnrollment(ctx context.Context, userID int64) (*model.Enrollment, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE user_id = $1 AND status = $2 FOR UPDATE`,
		userID, string(model.EnrollmentStatusActive),
	)
	return scanEnrollment(row)
}

func (t *pgTx) GetEnrollment(ctx context.Context, userID, sprintID int64) (*model.Enrollment, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1 FOR UPDATE`,
		model.EnrollmentID(userID, sprintID),
	)
	return scanEnrollment(row)
}

// scanEnrollment возвращает nil без ошибки, если записи нет.
func scanEnrollment(row pgx.Row) (*model.Enrollment, error) {
	var (
		e        model.Enrollment
		status   string
		progress []byte
	)
	err := row.Scan(&e.ID, &e.UserID, &e.SprintID, &e.CoachID, &e.StartedAt,
		&e.PricePaid, &status, &progress, &e.CommissionTrigger)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan enrollment: %w", err)
	}

	e.Status = model.EnrollmentStatus(status)
	if err := json.Unmarshal(progress, &e.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}

	return &e, nil
}

func (t *pgTx) CountPaidEnrollments(ctx context.Context, userID int64, exceptID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM enrollments WHERE user_id = $1 AND price_paid > 0 AND id <> $2`,
		userID, exceptID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count paid enrollments: %w", err)
	}
	return n, nil
}

func (t *pgTx) CompleteEnrollment(ctx context.Context, enrollmentID string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE enrollments SET status = $2 WHERE id = $1`,
		enrollmentID, string(model.EnrollmentStatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("complete enrollment: %w", err)
	}
	return nil
}

// UpsertEnrollment сливает запись по детерминированному ключу. Отметка о комиссии
// никогда не снимается.
func (t *pgTx) UpsertEnrollment(ctx context.Context, e model.Enrollment) error {
	progress, err := json.Marshal(e.Progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO enrollments (`+enrollmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		     coach_id = EXCLUDED.coach_id,
		     price_paid = EXCLUDED.price_paid,
		     status = EXCLUDED.status,
		     progress = EXCLUDED.progress,
		     commission_trigger = enrollments.commission_trigger OR EXCLUDED.commission_trigger`,
		e.ID, e.UserID, e.SprintID, e.CoachID, e.StartedAt, e.PricePaid,
		string(e.Status), progress, e.CommissionTrigger,
	)
	if err != nil {
		return fmt.Errorf("upsert enrollment: %w", err)
	}
	return nil
}

func (t *pgTx) QueueSprint(ctx context.Context, userID, sprintID int64, reference string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO queued_sprints (user_id, sprint_id, reference, queued_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, sprint_id) DO NOTHING`,
		userID, sprintID, reference, at,
	)
	if err != nil {
		return fmt.Errorf("queue sprint: %w", err)
	}
	return nil
}

// CloseCommission закрывает комиссию пользователя и отмечает зачисление-триггер
// одной парой записей.
func (t *pgTx) CloseCommission(ctx context.Context, userID int64, enrollmentID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET partner_commission_closed = TRUE WHERE id = $1 AND NOT partner_commission_closed`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("close commission: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrCommissionClosed
	}

	tag, err = t.tx.Exec(ctx,
		`UPDATE enrollments SET commission_trigger = TRUE WHERE id = $1 AND user_id = $2`,
		enrollmentID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark commission trigger: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("mark commission trigger: enrollment %s not found", enrollmentID)
	}

	return nil
}

func (t *pgTx) CreditWallet(ctx context.Context, userID, amount int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET wallet_balance = wallet_balance + $2 WHERE id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("credit wallet: %w", ErrUserNotFound)
	}
	return nil
}

// IncrementStats увеличивает счётчики в базе, не читая их в память приложения.
func (t *pgTx) IncrementStats(ctx context.Context, revenue int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE aggregate_stats SET total_revenue = total_revenue + $1, total_sales = total_sales + 1 WHERE id = 1`,
		revenue,
	)
	if err != nil {
		return fmt.Errorf("increment stats: %w", err)
	}
	return nil
}
