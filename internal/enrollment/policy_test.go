package enrollment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/sprintpay/internal/model"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		active *model.Enrollment
		want   Decision
	}{
		{
			name:   "no active enrollment",
			active: nil,
			want:   Enroll,
		},
		{
			name: "active with incomplete progress",
			active: &model.Enrollment{
				Status:   model.EnrollmentStatusActive,
				Progress: []model.ProgressDay{{Day: 1, Completed: true}, {Day: 2}},
			},
			want: Queue,
		},
		{
			name: "active with every day completed",
			active: &model.Enrollment{
				Status:   model.EnrollmentStatusActive,
				Progress: []model.ProgressDay{{Day: 1, Completed: true}},
			},
			want: Enroll,
		},
		{
			name: "completed enrollment",
			active: &model.Enrollment{
				Status:   model.EnrollmentStatusCompleted,
				Progress: []model.ProgressDay{{Day: 1}},
			},
			want: Enroll,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.active))
		})
	}
}

func TestNewProgress(t *testing.T) {
	progress := NewProgress(3)
	require.Len(t, progress, 3)
	for i, d := range progress {
		assert.Equal(t, i+1, d.Day)
		assert.False(t, d.Completed)
	}

	assert.Empty(t, NewProgress(-1))
}

func TestBuild_Fresh(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sprint := &model.Sprint{ID: 9, CoachID: 4, DurationDays: 5}

	e := Build(nil, 1, sprint, 500000, now)

	assert.Equal(t, "1_9", e.ID)
	assert.Equal(t, int64(4), e.CoachID)
	assert.Equal(t, model.EnrollmentStatusActive, e.Status)
	assert.Equal(t, now, e.StartedAt)
	assert.Len(t, e.Progress, 5)
	assert.False(t, e.CommissionTrigger)
}

func TestBuild_MergePreservesProgress(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sprint := &model.Sprint{ID: 9, CoachID: 4, DurationDays: 2}
	existing := &model.Enrollment{
		ID:                "1_9",
		StartedAt:         started,
		Status:            model.EnrollmentStatusCompleted,
		Progress:          []model.ProgressDay{{Day: 1, Completed: true}, {Day: 2}},
		CommissionTrigger: true,
	}

	e := Build(existing, 1, sprint, 500000, started.Add(time.Hour))

	assert.Equal(t, model.EnrollmentStatusActive, e.Status)
	assert.Equal(t, started, e.StartedAt)
	assert.True(t, e.CommissionTrigger)
	assert.True(t, e.Progress[0].Completed)

	// Копия, а не общий срез.
	e.Progress[1].Completed = true
	assert.False(t, existing.Progress[1].Completed)
}

func TestBuild_MergeResetsProgressOfDifferentLength(t *testing.T) {
	sprint := &model.Sprint{ID: 9, DurationDays: 3}
	existing := &model.Enrollment{Progress: []model.ProgressDay{{Day: 1, Completed: true}}}

	e := Build(existing, 1, sprint, 0, time.Now())

	require.Len(t, e.Progress, 3)
	assert.False(t, e.Progress[0].Completed)
}
