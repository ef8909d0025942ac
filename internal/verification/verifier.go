// Package verification реализует клиентскую проверку оплаты после возврата
// пользователя со страницы шлюза: ограниченный опрос реестра с нарастающей
// паузой и исполнение через общую точку входа.
package verification

import (
	"context"
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/sprintpay/internal/gateway"
	"github.com/mmeshcher/sprintpay/internal/metrics"
	"github.com/mmeshcher/sprintpay/internal/model"
	"github.com/mmeshcher/sprintpay/internal/service"
)

// State — состояние автомата проверки.
type State string

const (
	StateVerifying    State = "verifying"
	StateSuccess      State = "success"
	StateDelayed      State = "delayed"
	StateFailed       State = "failed"
	StateAuthRequired State = "auth_required"
	StateCancelled    State = "cancelled"
)

// Terminal сообщает, что автомат остановлен.
func (s State) Terminal() bool {
	return s != StateVerifying
}

const (
	msgSuccess      = "payment confirmed"
	msgDelayed      = "payment confirmation is delayed, contact support if the sprint is not unlocked shortly"
	msgFailed       = "authorization error, sprint remains locked"
	msgAuthRequired = "sign in to complete the purchase"
)

// Ledger читает намерения оплаты.
type Ledger interface {
	GetIntent(ctx context.Context, reference string) (*model.PaymentIntent, error)
}

// Gateway подтверждает транзакцию у шлюза.
type Gateway interface {
	VerifyByReference(ctx context.Context, reference string) (*gateway.Transaction, error)
}

// Fulfiller — единая точка исполнения оплаты.
type Fulfiller interface {
	Fulfill(ctx context.Context, req model.FulfillRequest) (*model.FulfillResult, error)
}

// Backoff задаёт паузы между попытками.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff: 1s, ×1.5, не больше 5s, 10 попыток.
var DefaultBackoff = Backoff{
	Initial:     time.Second,
	Max:         5 * time.Second,
	Multiplier:  1.5,
	MaxAttempts: 10,
}

// Delay возвращает паузу после попытки с номером attempt (с нуля).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Request — параметры страницы возврата и установленный плательщик.
type Request struct {
	Reference string
	SprintID  string
	Email     string
	PayerID   *int64
}

// Result — итог проверки для клиента.
type Result struct {
	State       State                `json:"state"`
	Reference   string               `json:"reference"`
	Status      model.IntentStatus   `json:"status,omitempty"`
	Outcome     model.FulfillOutcome `json:"outcome,omitempty"`
	SprintID    int64                `json:"sprintId,omitempty"`
	Attempts    int                  `json:"attempts"`
	Message     string               `json:"message,omitempty"`
	RedirectURL string               `json:"redirectUrl,omitempty"`
}

// Verifier проводит проверку оплаты.
type Verifier struct {
	ledger    Ledger
	gateway   Gateway
	fulfiller Fulfiller
	backoff   Backoff
	loginURL  string
	logger    *zap.Logger
}

// NewVerifier создаёт проверяющий автомат. gw может быть nil: тогда опрашивается только реестр.
func NewVerifier(ledger Ledger, gw Gateway, fulfiller Fulfiller, backoff Backoff, loginURL string, logger *zap.Logger) *Verifier {
	if backoff.MaxAttempts <= 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		ledger:    ledger,
		gateway:   gw,
		fulfiller: fulfiller,
		backoff:   backoff,
		loginURL:  loginURL,
		logger:    logger,
	}
}

// Verify прогоняет автомат Verifying(attempt) до конечного состояния. Отмена ctx
// прекращает опрос, но не отменяет уже зафиксированное исполнение.
func (v *Verifier) Verify(ctx context.Context, req Request) Result {
	res := v.run(ctx, req)
	metrics.Verifications.WithLabelValues(string(res.State)).Inc()
	return res
}

func (v *Verifier) run(ctx context.Context, req Request) Result {
	if req.PayerID == nil {
		return Result{
			State:       StateAuthRequired,
			Reference:   req.Reference,
			Message:     msgAuthRequired,
			RedirectURL: v.loginRedirect(req),
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 0; ; attempt++ {
		res := v.attempt(ctx, req)
		res.Attempts = attempt + 1
		if res.State.Terminal() {
			return res
		}

		if attempt+1 >= v.backoff.MaxAttempts {
			res.State = StateDelayed
			res.Message = msgDelayed
			return res
		}

		delay := v.backoff.Delay(attempt)
		if timer == nil {
			timer = time.NewTimer(delay)
		} else {
			timer.Reset(delay)
		}
		select {
		case <-ctx.Done():
			res.State = StateCancelled
			res.Message = ""
			return res
		case <-timer.C:
		}
	}
}

// attempt выполняет один шаг опроса.
func (v *Verifier) attempt(ctx context.Context, req Request) Result {
	res := Result{State: StateVerifying, Reference: req.Reference}

	intent, err := v.ledger.GetIntent(ctx, req.Reference)
	if err != nil {
		if errors.Is(err, service.ErrUnknownReference) {
			return failed(res)
		}
		v.logger.Warn("verification ledger read failed",
			zap.String("reference", req.Reference),
			zap.Error(err))
		return res
	}

	res.Status = intent.Status
	res.SprintID = intent.SprintID

	if intent.PayerID != nil && *intent.PayerID != *req.PayerID {
		return failed(res)
	}

	switch intent.Status {
	case model.IntentStatusSuccessful:
		res.State = StateSuccess
		res.Outcome = model.OutcomeAlreadyTerminal
		res.Message = msgSuccess
		return res
	case model.IntentStatusFailed, model.IntentStatusRefunded:
		return failed(res)
	}

	if v.gateway == nil {
		return res
	}

	tx, err := v.gateway.VerifyByReference(ctx, req.Reference)
	if err != nil {
		if !errors.Is(err, gateway.ErrTransactionNotFound) {
			v.logger.Warn("verification gateway check failed",
				zap.String("reference", req.Reference),
				zap.Error(err))
		}
		return res
	}

	if tx.Reference != req.Reference {
		return res
	}
	if strings.EqualFold(tx.Status, "failed") {
		return failed(res)
	}
	if !tx.Successful() {
		return res
	}

	fres, err := v.fulfiller.Fulfill(ctx, model.FulfillRequest{
		Event:   tx.ChargeEvent(),
		PayerID: req.PayerID,
		Source:  model.SourceVerification,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrIntegrityMismatch),
			errors.Is(err, service.ErrUnknownReference),
			errors.Is(err, service.ErrPayerMismatch):
			res.Status = model.IntentStatusFailed
			return failed(res)
		}
		v.logger.Warn("verification fulfill failed",
			zap.String("reference", req.Reference),
			zap.Error(err))
		return res
	}

	res.Status = fres.Status
	res.Outcome = fres.Outcome
	if fres.Status != model.IntentStatusSuccessful {
		return failed(res)
	}
	res.State = StateSuccess
	res.Message = msgSuccess
	return res
}

func failed(res Result) Result {
	res.State = StateFailed
	res.Message = msgFailed
	return res
}

// loginRedirect переносит параметры возврата на страницу входа, чтобы после
// входа проверка продолжилась с тем же reference.
func (v *Verifier) loginRedirect(req Request) string {
	q := url.Values{}
	q.Set("reference", req.Reference)
	if req.SprintID != "" {
		q.Set("sprintId", req.SprintID)
	}
	if req.Email != "" {
		q.Set("email", req.Email)
	}

	sep := "?"
	if strings.Contains(v.loginURL, "?") {
		sep = "&"
	}
	return v.loginURL + sep + q.Encode()
}

// ParseSprintID разбирает необязательный sprintId из строки запроса.
func ParseSprintID(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
