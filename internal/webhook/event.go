package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/sprintpay/internal/model"
)

// EventChargeCompleted — единственное событие, запускающее исполнение оплаты.
const EventChargeCompleted = "charge.completed"

const chargeStatusSuccessful = "successful"

var (
	// ErrSignatureInvalid возвращается, если подпись вызова не прошла проверку.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrMalformedEvent возвращается для тела, не соответствующего ожидаемой форме.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// Event — разобранный вызов шлюза. Charge заполнен только для charge.completed.
type Event struct {
	Name   string
	Charge *ChargeCompleted
}

// ChargeCompleted содержит поля события charge.completed.
type ChargeCompleted struct {
	Status        string
	TxRef         string
	Amount        int64
	Currency      string
	ID            string
	CustomerEmail string
}

// Fulfillable сообщает, что событие подтверждает успешное списание.
func (e Event) Fulfillable() bool {
	return e.Name == EventChargeCompleted && e.Charge != nil && e.Charge.Status == chargeStatusSuccessful
}

// ChargeEvent переводит событие в вход транзакции исполнения.
func (c ChargeCompleted) ChargeEvent() model.ChargeEvent {
	return model.ChargeEvent{
		Reference:     c.TxRef,
		Amount:        c.Amount,
		Currency:      c.Currency,
		GatewayTxID:   c.ID,
		CustomerEmail: c.CustomerEmail,
	}
}

type rawEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type rawCharge struct {
	Status   string      `json:"status"`
	TxRef    string      `json:"tx_ref"`
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
	ID       json.Number `json:"id"`
	Customer struct {
		Email string `json:"email"`
	} `json:"customer"`
}

// ParseEvent разбирает тело вызова. Неизвестные события возвращаются без данных
// списания. Обязательные поля проверяются только у успешного charge.completed.
func ParseEvent(body []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	name := strings.TrimSpace(raw.Event)
	if name == "" {
		return Event{}, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}

	if name != EventChargeCompleted {
		return Event{Name: name}, nil
	}

	if len(raw.Data) == 0 {
		return Event{}, fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}

	var data rawCharge
	if err := json.Unmarshal(raw.Data, &data); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	status := strings.ToLower(strings.TrimSpace(data.Status))
	if status == "" {
		return Event{}, fmt.Errorf("%w: missing charge status", ErrMalformedEvent)
	}

	if status != chargeStatusSuccessful {
		return Event{Name: name, Charge: unsettledCharge(status, data)}, nil
	}

	if data.TxRef == "" || data.Currency == "" || data.Amount == "" {
		return Event{}, fmt.Errorf("%w: missing charge fields", ErrMalformedEvent)
	}

	amount, err := MinorUnits(data.Amount.String())
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	return Event{
		Name: name,
		Charge: &ChargeCompleted{
			Status:        status,
			TxRef:         data.TxRef,
			Amount:        amount,
			Currency:      strings.ToUpper(data.Currency),
			ID:            data.ID.String(),
			CustomerEmail: data.Customer.Email,
		},
	}, nil
}

// unsettledCharge собирает неуспешное списание без строгих проверок: такое
// событие только подтверждается и не исполняется.
func unsettledCharge(status string, data rawCharge) *ChargeCompleted {
	c := &ChargeCompleted{
		Status:        status,
		TxRef:         data.TxRef,
		Currency:      strings.ToUpper(data.Currency),
		ID:            data.ID.String(),
		CustomerEmail: data.Customer.Email,
	}
	if data.Amount != "" {
		if amount, err := MinorUnits(data.Amount.String()); err == nil {
			c.Amount = amount
		}
	}
	return c
}

// MinorUnits переводит сумму в основных единицах в минорные без потери точности.
func MinorUnits(amount string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %q", amount)
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than two decimal places", amount)
	}
	return minor.IntPart(), nil
}

// MajorUnits форматирует минорные единицы для API шлюза.
func MajorUnits(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
