package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/sprintpay/internal/gateway"
	"github.com/mmeshcher/sprintpay/internal/model"
	"github.com/mmeshcher/sprintpay/internal/repository"
)

// memState — снимок данных хранилища. Транзакция работает с копией и
// подменяет состояние только при успешном завершении.
type memState struct {
	users       map[int64]model.User
	sprints     map[int64]model.Sprint
	intents     map[string]model.PaymentIntent
	enrollments map[string]model.Enrollment
	queued      map[int64][]int64
	stats       model.Stats
	closures    int
}

func newMemState() *memState {
	return &memState{
		users:       map[int64]model.User{},
		sprints:     map[int64]model.Sprint{},
		intents:     map[string]model.PaymentIntent{},
		enrollments: map[string]model.Enrollment{},
		queued:      map[int64][]int64{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.sprints {
		c.sprints[k] = v
	}
	for k, v := range s.intents {
		c.intents[k] = v
	}
	for k, v := range s.enrollments {
		v.Progress = append([]model.ProgressDay(nil), v.Progress...)
		c.enrollments[k] = v
	}
	for k, v := range s.queued {
		c.queued[k] = append([]int64(nil), v...)
	}
	c.stats = s.stats
	c.closures = s.closures
	return c
}

// memStore — хранилище в памяти, сериализующее транзакции одним мьютексом.
type memStore struct {
	mu        sync.Mutex
	state     *memState
	nextUser  int64
	conflicts int
	txCount   int
}

func newMemStore() *memStore {
	return &memStore{state: newMemState(), nextUser: 1}
}

func (m *memStore) addUser(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[u.ID] = u
	if u.ID >= m.nextUser {
		m.nextUser = u.ID + 1
	}
}

func (m *memStore) addSprint(s model.Sprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.sprints[s.ID] = s
}

func (m *memStore) addIntent(i model.PaymentIntent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.intents[i.Reference] = i
}

func (m *memStore) addEnrollment(e model.Enrollment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.enrollments[e.ID] = e
}

func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memStore) Close() error { return nil }

func (m *memStore) CreateUser(ctx context.Context, u model.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.users {
		if existing.Login == u.Login {
			return 0, repository.ErrUserExists
		}
	}
	if u.ReferrerID != nil {
		if _, ok := m.state.users[*u.ReferrerID]; !ok {
			return 0, repository.ErrUserNotFound
		}
	}
	u.ID = m.nextUser
	m.nextUser++
	m.state.users[u.ID] = u
	return u.ID, nil
}

func (m *memStore) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.state.users {
		if u.Login == login {
			return &u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *memStore) GetSprint(ctx context.Context, id int64) (*model.Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.sprints[id]
	if !ok {
		return nil, repository.ErrSprintNotFound
	}
	return &s, nil
}

func (m *memStore) CreateIntent(ctx context.Context, intent model.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.intents[intent.Reference]; ok {
		return repository.ErrIntentExists
	}
	intent.Status = model.IntentStatusPending
	m.state.intents[intent.Reference] = intent
	return nil
}

func (m *memStore) GetIntent(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.state.intents[reference]
	if !ok {
		return nil, repository.ErrIntentNotFound
	}
	return &i, nil
}

func (m *memStore) GetPendingIntents(ctx context.Context, olderThan, maxAge time.Duration, limit int) ([]model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PaymentIntent
	for _, i := range m.state.intents {
		if i.Status == model.IntentStatusPending && i.PayerID != nil {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Reference < out[b].Reference })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) InFulfillmentTx(ctx context.Context, fn func(tx repository.FulfillmentTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txCount++
	if m.conflicts > 0 {
		m.conflicts--
		return fmt.Errorf("%w: injected", repository.ErrTransientConflict)
	}

	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

type memTx struct {
	s *memState
}

func (t *memTx) LockIntent(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	i, ok := t.s.intents[reference]
	if !ok {
		return nil, repository.ErrIntentNotFound
	}
	return &i, nil
}

func (t *memTx) CompleteIntent(ctx context.Context, reference string, payerID int64, gatewayTxID string, at time.Time) error {
	i := t.s.intents[reference]
	if i.Status != model.IntentStatusPending {
		return fmt.Errorf("complete intent %s: status %s", reference, i.Status)
	}
	i.Status = model.IntentStatusSuccessful
	i.PayerID = &payerID
	i.GatewayTxID = gatewayTxID
	i.CompletedAt = &at
	i.UpdatedAt = at
	t.s.intents[reference] = i
	return nil
}

func (t *memTx) FailIntent(ctx context.Context, reference, reason, gatewayTxID string, at time.Time) error {
	i := t.s.intents[reference]
	if i.Status != model.IntentStatusPending {
		return nil
	}
	i.Status = model.IntentStatusFailed
	i.FailureReason = reason
	i.GatewayTxID = gatewayTxID
	i.UpdatedAt = at
	t.s.intents[reference] = i
	return nil
}

func (t *memTx) RefundIntent(ctx context.Context, reference string, at time.Time) error {
	i := t.s.intents[reference]
	if i.Status == model.IntentStatusSuccessful {
		i.Status = model.IntentStatusRefunded
		i.UpdatedAt = at
		t.s.intents[reference] = i
	}
	return nil
}

func (t *memTx) LockUser(ctx context.Context, userID int64) (*model.User, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

func (t *memTx) GetSprint(ctx context.Context, sprintID int64) (*model.Sprint, error) {
	s, ok := t.s.sprints[sprintID]
	if !ok {
		return nil, repository.ErrSprintNotFound
	}
	return &s, nil
}

func (t *memTx) GetActiveEnrollment(ctx context.Context, userID int64) (*model.Enrollment, error) {
	for _, e := range t.s.enrollments {
		if e.UserID == userID && e.Status == model.EnrollmentStatusActive {
			return &e, nil
		}
	}
	return nil, nil
}

func (t *memTx) GetEnrollment(ctx context.Context, userID, sprintID int64) (*model.Enrollment, error) {
	e, ok := t.s.enrollments[model.EnrollmentID(userID, sprintID)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *memTx) CountPaidEnrollments(ctx context.Context, userID int64, exceptID string) (int, error) {
	n := 0
	for _, e := range t.s.enrollments {
		if e.UserID == userID && e.PricePaid > 0 && e.ID != exceptID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CompleteEnrollment(ctx context.Context, enrollmentID string) error {
	e := t.s.enrollments[enrollmentID]
	e.Status = model.EnrollmentStatusCompleted
	t.s.enrollments[enrollmentID] = e
	return nil
}

func (t *memTx) UpsertEnrollment(ctx context.Context, e model.Enrollment) error {
	if prev, ok := t.s.enrollments[e.ID]; ok && prev.CommissionTrigger {
		e.CommissionTrigger = true
	}
	for _, other := range t.s.enrollments {
		if other.ID != e.ID && other.UserID == e.UserID &&
			other.Status == model.EnrollmentStatusActive && e.Status == model.EnrollmentStatusActive {
			return fmt.Errorf("upsert enrollment: second active enrollment for user %d", e.UserID)
		}
	}
	t.s.enrollments[e.ID] = e
	return nil
}

func (t *memTx) QueueSprint(ctx context.Context, userID, sprintID int64, reference string, at time.Time) error {
	for _, id := range t.s.queued[userID] {
		if id == sprintID {
			return nil
		}
	}
	t.s.queued[userID] = append(t.s.queued[userID], sprintID)
	return nil
}

func (t *memTx) CloseCommission(ctx context.Context, userID int64, enrollmentID string) error {
	u := t.s.users[userID]
	if u.PartnerCommissionClosed {
		return repository.ErrCommissionClosed
	}
	u.PartnerCommissionClosed = true
	t.s.users[userID] = u

	e, ok := t.s.enrollments[enrollmentID]
	if !ok {
		return fmt.Errorf("mark commission trigger: enrollment %s not found", enrollmentID)
	}
	e.CommissionTrigger = true
	t.s.enrollments[enrollmentID] = e
	t.s.closures++
	return nil
}

func (t *memTx) CreditWallet(ctx context.Context, userID, amount int64) error {
	u, ok := t.s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.WalletBalance += amount
	t.s.users[userID] = u
	return nil
}

func (t *memTx) IncrementStats(ctx context.Context, revenue int64) error {
	t.s.stats.TotalRevenue += revenue
	t.s.stats.TotalSales++
	return nil
}

type stubGateway struct {
	mu          sync.Mutex
	checkoutURL string
	checkoutErr error
	lastReq     gateway.CheckoutRequest
	tx          map[string]*gateway.Transaction
	verifyErr   error
}

func (g *stubGateway) CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastReq = req
	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	return &gateway.Checkout{URL: g.checkoutURL}, nil
}

func (g *stubGateway) VerifyByReference(ctx context.Context, reference string) (*gateway.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	tx, ok := g.tx[reference]
	if !ok {
		return nil, gateway.ErrTransactionNotFound
	}
	return tx, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.FulfilledEvent
	err    error
}

func (p *recordingPublisher) PublishFulfilled(ctx context.Context, ev model.FulfilledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}
