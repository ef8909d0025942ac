// Package service реализует бизнес-логику исполнения оплат и зачисления на спринты.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/sprintpay/internal/gateway"
	"github.com/mmeshcher/sprintpay/internal/model"
	"github.com/mmeshcher/sprintpay/internal/notify"
	"github.com/mmeshcher/sprintpay/internal/repository"
)

var (
	// ErrUnknownReference возвращается для reference, не записанного при оформлении.
	ErrUnknownReference = errors.New("unknown payment reference")
	// ErrIntegrityMismatch возвращается, если сумма или валюта списания не совпала с намерением.
	ErrIntegrityMismatch = errors.New("payment integrity mismatch")
	// ErrPayerUnresolved возвращается, если плательщик ещё не установлен.
	ErrPayerUnresolved = errors.New("payer identity not established")
	// ErrPayerMismatch возвращается, если исполнение запрошено не плательщиком.
	ErrPayerMismatch = errors.New("payment belongs to another user")
	// ErrInvalidTransition возвращается при недопустимой смене статуса оплаты.
	ErrInvalidTransition = errors.New("invalid payment status transition")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNothingToPay возвращается при попытке оплатить бесплатный спринт.
	ErrNothingToPay = errors.New("sprint has no price")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u model.User) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetSprint(ctx context.Context, id int64) (*model.Sprint, error)
	CreateIntent(ctx context.Context, intent model.PaymentIntent) error
	GetIntent(ctx context.Context, reference string) (*model.PaymentIntent, error)
	GetPendingIntents(ctx context.Context, olderThan, maxAge time.Duration, limit int) ([]model.PaymentIntent, error)
	InFulfillmentTx(ctx context.Context, fn func(tx repository.FulfillmentTx) error) error
}

// Gateway описывает платёжный шлюз.
type Gateway interface {
	CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error)
	VerifyByReference(ctx context.Context, reference string) (*gateway.Transaction, error)
}

// Options содержит настраиваемые параметры сервиса.
type Options struct {
	RedirectURL       string
	CommissionPercent int
	TxAttempts        uint
	TxRetryDelay      time.Duration
	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
	ReconcileMaxAge   time.Duration
}

func (o Options) withDefaults() Options {
	if o.TxAttempts == 0 {
		o.TxAttempts = 3
	}
	if o.TxRetryDelay <= 0 {
		o.TxRetryDelay = 50 * time.Millisecond
	}
	if o.ReconcileAfter <= 0 {
		o.ReconcileAfter = 2 * time.Minute
	}
	if o.ReconcileMaxAge <= 0 {
		o.ReconcileMaxAge = 24 * time.Hour
	}
	return o
}

// Service содержит бизнес-логику оформления и исполнения оплат.
type Service struct {
	repo      Repository
	gateway   Gateway
	publisher notify.Publisher
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// NewService создаёт сервис. gw и publisher могут быть nil.
func NewService(repo Repository, gw Gateway, publisher notify.Publisher, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		gateway:   gw,
		publisher: publisher,
		logger:    logger,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя, при наличии — с пригласившим партнёром.
func (s *Service) RegisterUser(ctx context.Context, login, email, password string, referrerID *int64) (int64, error) {
	hashed, err := hashPassword(password)
	if err != nil {
		return 0, err
	}

	id, err := s.repo.CreateUser(ctx, model.User{
		Login:        login,
		Email:        strings.TrimSpace(email),
		PasswordHash: hashed,
		ReferrerID:   referrerID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(password string) ([]byte, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hashed, nil
}

// GetPaymentStatus возвращает намерение оплаты для запроса статуса.
func (s *Service) GetPaymentStatus(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	intent, err := s.repo.GetIntent(ctx, reference)
	if err != nil {
		if errors.Is(err, repository.ErrIntentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownReference, reference)
		}
		return nil, err
	}
	return intent, nil
}

// GetIntent возвращает намерение оплаты из реестра.
func (s *Service) GetIntent(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	return s.GetPaymentStatus(ctx, reference)
}
