// Package alphabank is the bank-transfer rail A adapter: virtual accounts,
// payouts and inbound transfer notifications over an OAuth2-protected API.
package alphabank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"paycore/internal/common/money"
	"paycore/internal/provider"
)

// SignatureHeader carries the hex HMAC-SHA512 of the webhook body.
const SignatureHeader = "X-Alpha-Signature"

// Config holds alphabank configuration.
type Config struct {
	BaseURL       string        `envconfig:"ALPHABANK_BASE_URL" default:"https://api.alphabank.example"`
	ClientID      string        `envconfig:"ALPHABANK_CLIENT_ID"`
	ClientSecret  string        `envconfig:"ALPHABANK_CLIENT_SECRET"`
	WebhookSecret string        `envconfig:"ALPHABANK_WEBHOOK_SECRET"`
	FloatAccount  string        `envconfig:"ALPHABANK_FLOAT_ACCOUNT"`
	Timeout       time.Duration `envconfig:"ALPHABANK_TIMEOUT" default:"30s"`
}

// Adapter implements provider.Adapter for alphabank.
type Adapter struct {
	provider.Unimplemented

	config Config
	http   *provider.HTTPClient
	logger *slog.Logger

	tokenMu     sync.RWMutex
	token       string
	tokenExpiry time.Time
	refresh     singleflight.Group
	now         func() time.Time
}

var _ provider.Adapter = (*Adapter)(nil)

// NewAdapter creates a new alphabank adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		Unimplemented: provider.Unimplemented{Rail: provider.Alphabank},
		config:        cfg,
		http:          provider.NewHTTPClient(provider.Alphabank, cfg.BaseURL, cfg.Timeout, logger),
		logger:        logger,
		now:           time.Now,
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() provider.Name { return provider.Alphabank }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a cached token. Concurrent callers that find it
// expired share a single refresh.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.tokenMu.RLock()
	token, expiry := a.token, a.tokenExpiry
	a.tokenMu.RUnlock()
	if token != "" && a.now().Before(expiry) {
		return token, nil
	}

	v, err, _ := a.refresh.Do("token", func() (any, error) {
		a.tokenMu.RLock()
		token, expiry := a.token, a.tokenExpiry
		a.tokenMu.RUnlock()
		if token != "" && a.now().Before(expiry) {
			return token, nil
		}

		form := url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {a.config.ClientID},
			"client_secret": {a.config.ClientSecret},
		}
		var resp tokenResponse
		if _, err := a.http.Do(ctx, provider.Call{
			Method: http.MethodPost,
			Path:   "/oauth/token",
			Form:   form.Encode(),
		}, &resp); err != nil {
			return "", err
		}
		if resp.AccessToken == "" {
			return "", provider.Rejected(provider.Alphabank, http.StatusUnauthorized, "empty access token")
		}

		// Refresh a minute early so in-flight requests never carry a stale token.
		ttl := time.Duration(resp.ExpiresIn)*time.Second - time.Minute
		if ttl < 0 {
			ttl = 0
		}
		a.tokenMu.Lock()
		a.token = resp.AccessToken
		a.tokenExpiry = a.now().Add(ttl)
		a.tokenMu.Unlock()

		a.logger.Debug("alphabank token refreshed", "expires_in", resp.ExpiresIn)
		return resp.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Adapter) call(ctx context.Context, method, path string, body, out any) (json.RawMessage, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	return a.http.Do(ctx, provider.Call{
		Method:  method,
		Path:    path,
		Headers: map[string]string{"Authorization": "Bearer " + token},
		Body:    body,
	}, out)
}

// envelope is alphabank's response wrapper. Status "00" is success.
type envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (e envelope[T]) err() error {
	if e.Status == "00" {
		return nil
	}
	return provider.Rejected(provider.Alphabank, http.StatusBadRequest, fmt.Sprintf("%s (%s)", e.Message, e.Status))
}

// ResolveAccount implements provider.Adapter.
func (a *Adapter) ResolveAccount(ctx context.Context, req provider.ResolveAccountRequest) (*provider.Counterparty, error) {
	var resp envelope[struct {
		AccountName string `json:"account_name"`
		BankName    string `json:"bank_name"`
	}]
	path := "/v1/accounts/resolve?" + url.Values{
		"account_number": {req.AccountNumber},
		"bank_code":      {req.BankCode},
	}.Encode()
	if _, err := a.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &provider.Counterparty{
		AccountNumber: req.AccountNumber,
		AccountName:   resp.Data.AccountName,
		BankCode:      req.BankCode,
		BankName:      resp.Data.BankName,
	}, nil
}

// CreateVirtualAccount implements provider.Adapter.
func (a *Adapter) CreateVirtualAccount(ctx context.Context, req provider.VirtualAccountRequest) (*provider.VirtualAccount, error) {
	var resp envelope[struct {
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
		BankCode      string `json:"bank_code"`
		BankName      string `json:"bank_name"`
		AccountID     string `json:"account_id"`
	}]
	body := map[string]string{
		"reference":    req.Reference,
		"account_name": req.AccountName,
		"email":        req.Email,
		"customer_ref": req.MerchantID,
	}
	if _, err := a.call(ctx, http.MethodPost, "/v1/virtual-accounts", body, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &provider.VirtualAccount{
		AccountNumber:      resp.Data.AccountNumber,
		AccountName:        resp.Data.AccountName,
		BankCode:           resp.Data.BankCode,
		BankName:           resp.Data.BankName,
		ProviderAccountRef: resp.Data.AccountID,
	}, nil
}

type transferData struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (t transferData) outcome() provider.Outcome {
	switch t.Status {
	case "successful":
		return provider.OutcomeSuccessful
	case "failed":
		return provider.OutcomeFailed
	case "reversed":
		return provider.OutcomeReversed
	default:
		return provider.OutcomePending
	}
}

// Payout implements provider.Adapter.
func (a *Adapter) Payout(ctx context.Context, req provider.PayoutRequest) (*provider.Result, error) {
	return a.transfer(ctx, req.Reference, req.Amount, req.SourceAccount, req.Recipient, req.Narration)
}

// FundAccount moves float from the platform account into a collection account.
func (a *Adapter) FundAccount(ctx context.Context, req provider.FundRequest) (*provider.Result, error) {
	return a.transfer(ctx, req.Reference, req.Amount, a.config.FloatAccount,
		provider.Counterparty{AccountNumber: req.AccountNumber}, req.Narration)
}

func (a *Adapter) transfer(ctx context.Context, reference string, amount money.Money, source string, to provider.Counterparty, narration string) (*provider.Result, error) {
	a.logger.Info("alphabank transfer",
		"reference", reference,
		"amount", amount.AmountMinor,
		"bank_code", to.BankCode,
	)

	body := map[string]string{
		"reference":             reference,
		"amount":                amount.StringFixed(),
		"currency":              string(amount.Currency),
		"source_account":        source,
		"beneficiary_account":   to.AccountNumber,
		"beneficiary_bank_code": to.BankCode,
		"beneficiary_name":      to.AccountName,
		"narration":             narration,
	}
	var resp envelope[transferData]
	raw, err := a.call(ctx, http.MethodPost, "/v1/transfers", body, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &provider.Result{
		Outcome:           resp.Data.outcome(),
		ProviderReference: resp.Data.SessionID,
		Message:           resp.Message,
		Raw:               raw,
	}, nil
}

// GetBalance implements provider.Adapter.
func (a *Adapter) GetBalance(ctx context.Context) (money.Money, error) {
	var resp envelope[struct {
		Available string `json:"available_balance"`
		Currency  string `json:"currency"`
	}]
	if _, err := a.call(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(a.config.FloatAccount)+"/balance", nil, &resp); err != nil {
		return money.Money{}, err
	}
	if err := resp.err(); err != nil {
		return money.Money{}, err
	}
	bal, err := money.ParseMajor(resp.Data.Available, money.Currency(resp.Data.Currency))
	if err != nil {
		return money.Money{}, provider.Transport(provider.Alphabank, err)
	}
	return bal, nil
}

// TransactionStatus implements provider.Adapter.
func (a *Adapter) TransactionStatus(ctx context.Context, reference string) (*provider.Result, error) {
	var resp envelope[transferData]
	raw, err := a.call(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(reference), nil, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &provider.Result{
		Outcome:           resp.Data.outcome(),
		ProviderReference: resp.Data.SessionID,
		Message:           resp.Message,
		Raw:               raw,
	}, nil
}
