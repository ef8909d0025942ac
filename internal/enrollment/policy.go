// Package enrollment содержит правила зачисления на спринт и начисления
// реферальной комиссии.
package enrollment

import (
	"time"

	"github.com/mmeshcher/sprintpay/internal/model"
)

// Decision — решение политики зачисления.
type Decision int

const (
	// Enroll — спринт стартует сразу.
	Enroll Decision = iota
	// Queue — спринт добавляется в очередь пользователя.
	Queue
)

func (d Decision) String() string {
	if d == Queue {
		return "queue"
	}
	return "enroll"
}

// Decide решает, можно ли начать спринт сейчас. Активный спринт с незавершённым
// прогрессом отправляет покупку в очередь.
func Decide(active *model.Enrollment) Decision {
	if active != nil && active.Status == model.EnrollmentStatusActive && !active.ProgressComplete() {
		return Queue
	}
	return Enroll
}

// NewProgress создаёт пустой прогресс по дням спринта.
func NewProgress(days int) []model.ProgressDay {
	if days < 0 {
		days = 0
	}
	progress := make([]model.ProgressDay, days)
	for i := range progress {
		progress[i] = model.ProgressDay{Day: i + 1}
	}
	return progress
}

// Build собирает активную запись о зачислении. Если запись для пары уже
// существует, её прогресс и отметка о комиссии сохраняются.
func Build(existing *model.Enrollment, userID int64, sprint *model.Sprint, pricePaid int64, now time.Time) model.Enrollment {
	e := model.Enrollment{
		ID:        model.EnrollmentID(userID, sprint.ID),
		UserID:    userID,
		SprintID:  sprint.ID,
		CoachID:   sprint.CoachID,
		StartedAt: now,
		PricePaid: pricePaid,
		Status:    model.EnrollmentStatusActive,
		Progress:  NewProgress(sprint.DurationDays),
	}

	if existing == nil {
		return e
	}

	e.StartedAt = existing.StartedAt
	e.CommissionTrigger = existing.CommissionTrigger
	// Прогресс другой длины означает, что спринт в каталоге изменился.
	if len(existing.Progress) == sprint.DurationDays {
		e.Progress = append([]model.ProgressDay(nil), existing.Progress...)
	}

	return e
}
