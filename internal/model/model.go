// Package model содержит доменные сущности сервиса оплаты спринтов.
package model

import (
	"fmt"
	"strings"
	"time"
)

// User представляет зарегистрированного пользователя маркетплейса.
type User struct {
	ID                      int64
	Login                   string
	Email                   string
	PasswordHash            []byte
	ReferrerID              *int64
	WalletBalance           int64
	PartnerCommissionClosed bool
	CreatedAt               time.Time
}

// Sprint описывает продаваемый спринт из каталога.
type Sprint struct {
	ID           int64
	CoachID      int64
	Title        string
	DurationDays int
	Price        int64
	Currency     string
}

// IntentStatus описывает статус попытки оплаты.
type IntentStatus string

const (
	IntentStatusPending    IntentStatus = "pending"
	IntentStatusSuccessful IntentStatus = "successful"
	IntentStatusFailed     IntentStatus = "failed"
	IntentStatusRefunded   IntentStatus = "refunded"
)

// IsTerminal сообщает, что статус больше не может смениться в ходе исполнения.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentStatusSuccessful, IntentStatusFailed, IntentStatusRefunded:
		return true
	}
	return false
}

// PaymentIntent описывает попытку покупки спринта до подтверждения шлюзом.
// Суммы хранятся в минорных единицах валюты.
type PaymentIntent struct {
	Reference     string
	PayerID       *int64
	Email         string
	SprintID      int64
	Amount        int64
	Currency      string
	Status        IntentStatus
	FailureReason string
	GatewayTxID   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// EnrollmentStatus описывает статус прохождения спринта.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
)

// ProgressDay — отметка о выполнении одного дня спринта.
type ProgressDay struct {
	Day       int  `json:"day"`
	Completed bool `json:"completed"`
}

// Enrollment описывает прохождение пользователем одного спринта.
type Enrollment struct {
	ID                string
	UserID            int64
	SprintID          int64
	CoachID           int64
	StartedAt         time.Time
	PricePaid         int64
	Status            EnrollmentStatus
	Progress          []ProgressDay
	CommissionTrigger bool
}

// EnrollmentID возвращает детерминированный ключ записи для пары пользователь–спринт.
func EnrollmentID(userID, sprintID int64) string {
	return fmt.Sprintf("%d_%d", userID, sprintID)
}

// ProgressComplete сообщает, что все дни спринта отмечены выполненными.
func (e Enrollment) ProgressComplete() bool {
	if len(e.Progress) == 0 {
		return false
	}
	for _, d := range e.Progress {
		if !d.Completed {
			return false
		}
	}
	return true
}

// Stats содержит глобальные счётчики продаж.
type Stats struct {
	TotalRevenue int64
	TotalSales   int64
}

// ChargeEvent — подтверждённое шлюзом списание, которое нужно исполнить.
type ChargeEvent struct {
	Reference     string
	Amount        int64
	Currency      string
	GatewayTxID   string
	CustomerEmail string
}

// SameMoney сравнивает сумму и валюту события с записанным намерением.
func (e ChargeEvent) SameMoney(intent *PaymentIntent) bool {
	return e.Amount == intent.Amount && strings.EqualFold(e.Currency, intent.Currency)
}

// FulfillSource указывает, какой путь инициировал исполнение.
type FulfillSource string

const (
	SourceWebhook      FulfillSource = "webhook"
	SourceVerification FulfillSource = "verification"
	SourceReconcile    FulfillSource = "reconcile"
)

// FulfillRequest — вход единой точки исполнения оплаты.
type FulfillRequest struct {
	Event   ChargeEvent
	PayerID *int64
	Source  FulfillSource
}

// FulfillOutcome описывает результат исполнения.
type FulfillOutcome string

const (
	OutcomeEnrolled        FulfillOutcome = "enrolled"
	OutcomeQueued          FulfillOutcome = "queued"
	OutcomeAlreadyTerminal FulfillOutcome = "already_terminal"
	OutcomeRejected        FulfillOutcome = "rejected"
)

// FulfillResult содержит итог исполнения оплаты.
type FulfillResult struct {
	Reference           string
	Outcome             FulfillOutcome
	Status              IntentStatus
	UserID              int64
	SprintID            int64
	EnrollmentID        string
	CommissionTriggered bool
}

// FulfilledEvent публикуется после фиксации транзакции исполнения.
type FulfilledEvent struct {
	ID                  string    `json:"id"`
	Reference           string    `json:"reference"`
	Outcome             string    `json:"outcome"`
	UserID              int64     `json:"user_id"`
	SprintID            int64     `json:"sprint_id"`
	Amount              int64     `json:"amount"`
	Currency            string    `json:"currency"`
	CommissionTriggered bool      `json:"commission_triggered"`
	Source              string    `json:"source"`
	OccurredAt          time.Time `json:"occurred_at"`
}
