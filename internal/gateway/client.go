// Package gateway предоставляет клиент платёжного шлюза: создание страницы
// оплаты и проверку транзакции по reference.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/mmeshcher/sprintpay/internal/model"
	"github.com/mmeshcher/sprintpay/internal/webhook"
)

var (
	// ErrNotConfigured возвращается, если адрес шлюза не задан.
	ErrNotConfigured = errors.New("gateway client not configured")
	// ErrTransactionNotFound возвращается, если шлюз не знает транзакцию с таким reference.
	ErrTransactionNotFound = errors.New("gateway transaction not found")
	// ErrMalformedResponse возвращается, если подтверждённая транзакция пришла без
	// reference, суммы или валюты.
	ErrMalformedResponse = errors.New("malformed gateway response")
	errServerSide          = errors.New("gateway server error")
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	retryDelay time.Duration
}

// CheckoutRequest описывает создание страницы оплаты.
type CheckoutRequest struct {
	Email        string
	Amount       int64
	Currency     string
	Reference    string
	RedirectURL  string
	CustomerName string
}

// Checkout — ответ шлюза с адресом страницы оплаты.
type Checkout struct {
	URL string
}

// Transaction описывает состояние транзакции на стороне шлюза.
type Transaction struct {
	ID            string
	Reference     string
	Status        string
	Amount        int64
	Currency      string
	CustomerEmail string
}

// Successful сообщает, что шлюз подтвердил списание.
func (t *Transaction) Successful() bool {
	return t != nil && strings.EqualFold(t.Status, "successful")
}

// ChargeEvent переводит транзакцию шлюза в вход транзакции исполнения.
func (t *Transaction) ChargeEvent() model.ChargeEvent {
	return model.ChargeEvent{
		Reference:     t.Reference,
		Amount:        t.Amount,
		Currency:      t.Currency,
		GatewayTxID:   t.ID,
		CustomerEmail: t.CustomerEmail,
	}
}

// NewClient создаёт HTTP-клиент шлюза с ограниченным таймаутом запроса.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryDelay: 500 * time.Millisecond,
	}
}

type checkoutPayload struct {
	TxRef       string `json:"tx_ref"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	RedirectURL string `json:"redirect_url"`
	Customer    struct {
		Email string `json:"email"`
		Name  string `json:"name,omitempty"`
	} `json:"customer"`
}

type checkoutResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

// CreateCheckout создаёт страницу оплаты для намерения.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	payload := checkoutPayload{
		TxRef:       req.Reference,
		Amount:      webhook.MajorUnits(req.Amount),
		Currency:    req.Currency,
		RedirectURL: req.RedirectURL,
	}
	payload.Customer.Email = req.Email
	payload.Customer.Name = req.CustomerName

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode checkout: %w", err)
	}

	var resp checkoutResponse
	status, err := c.do(ctx, http.MethodPost, "/v3/payments", body, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("create checkout: unexpected status: %d", status)
	}
	if resp.Data.Link == "" {
		return nil, fmt.Errorf("create checkout: empty link: %s", resp.Message)
	}

	return &Checkout{URL: resp.Data.Link}, nil
}

type verifyResponse struct {
	Status string `json:"status"`
	Data   struct {
		ID       json.Number `json:"id"`
		TxRef    string      `json:"tx_ref"`
		Status   string      `json:"status"`
		Amount   json.Number `json:"amount"`
		Currency string      `json:"currency"`
		Customer struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// VerifyByReference запрашивает у шлюза состояние транзакции по reference.
func (c *Client) VerifyByReference(ctx context.Context, reference string) (*Transaction, error) {
	path := "/v3/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)

	var resp verifyResponse
	status, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrTransactionNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("verify transaction: unexpected status: %d", status)
	}

	tx := &Transaction{
		ID:            resp.Data.ID.String(),
		Reference:     resp.Data.TxRef,
		Status:        strings.ToLower(strings.TrimSpace(resp.Data.Status)),
		Currency:      strings.ToUpper(strings.TrimSpace(resp.Data.Currency)),
		CustomerEmail: resp.Data.Customer.Email,
	}

	if !tx.Successful() {
		return tx, nil
	}

	// Подтверждённое списание без суммы нельзя сверять с намерением.
	if tx.Reference == "" || tx.Currency == "" || resp.Data.Amount == "" {
		return nil, fmt.Errorf("verify transaction %s: %w: missing reference, amount or currency", reference, ErrMalformedResponse)
	}

	tx.Amount, err = webhook.MinorUnits(resp.Data.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("verify transaction %s: %w: %v", reference, ErrMalformedResponse, err)
	}

	return tx, nil
}

// do выполняет запрос с одной повторной попыткой при временной сетевой ошибке.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	if c == nil || c.baseURL == "" {
		return 0, ErrNotConfigured
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	var status int
	err := retry.Do(
		func() error {
			var err error
			status, err = c.once(ctx, method, base+path, body, out)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(c.retryDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
	)
	return status, err
}

func (c *Client) once(ctx context.Context, method, endpoint string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, fmt.Errorf("%w: %d", errServerSide, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}

	return resp.StatusCode, nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, errServerSide) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
