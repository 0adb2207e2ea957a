// Package betapay is the bank-transfer and value-added-services rail B
// adapter. Requests authenticate with a static API key; payouts and
// notifications carry a SHA-512 integrity hash.
package betapay

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"paycore/internal/common/money"
	"paycore/internal/provider"
)

// HashHeader carries the integrity hash of a webhook.
const HashHeader = "X-Beta-Hash"

// Config holds betapay configuration.
type Config struct {
	BaseURL       string        `envconfig:"BETAPAY_BASE_URL" default:"https://api.betapay.example"`
	APIKey        string        `envconfig:"BETAPAY_API_KEY"`
	Secret        string        `envconfig:"BETAPAY_SECRET"`
	SourceAccount string        `envconfig:"BETAPAY_SOURCE_ACCOUNT"`
	Timeout       time.Duration `envconfig:"BETAPAY_TIMEOUT" default:"30s"`
}

// Adapter implements provider.Adapter for betapay.
type Adapter struct {
	provider.Unimplemented

	config    Config
	http      *provider.HTTPClient
	logger    *slog.Logger
	requestID func() string
}

var _ provider.Adapter = (*Adapter)(nil)

// NewAdapter creates a new betapay adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		Unimplemented: provider.Unimplemented{Rail: provider.Betapay},
		config:        cfg,
		http:          provider.NewHTTPClient(provider.Betapay, cfg.BaseURL, cfg.Timeout, logger),
		logger:        logger,
		requestID:     func() string { return uuid.NewString() },
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() provider.Name { return provider.Betapay }

// IntegrityHash is the lower-case hex SHA-512 of
// secret + amount + sender + recipient + bank code + reference.
func IntegrityHash(secret string, amount money.Money, sender, recipient, bankCode, reference string) string {
	sum := sha512.Sum512([]byte(secret + amount.StringFixed() + sender + recipient + bankCode + reference))
	return hex.EncodeToString(sum[:])
}

// response is betapay's wrapper. ResponseCode "00" is success and "09"
// means accepted but not yet final.
type response[T any] struct {
	ResponseCode    string `json:"responseCode"`
	ResponseMessage string `json:"responseMessage"`
	Data            T      `json:"data"`
}

func (r response[T]) err() error {
	switch r.ResponseCode {
	case "00", "09":
		return nil
	}
	code := http.StatusBadRequest
	if r.ResponseCode == "96" {
		code = http.StatusBadGateway
	}
	return provider.Rejected(provider.Betapay, code, fmt.Sprintf("%s (%s)", r.ResponseMessage, r.ResponseCode))
}

func (r response[T]) outcome() provider.Outcome {
	if r.ResponseCode == "09" {
		return provider.OutcomePending
	}
	return provider.OutcomeSuccessful
}

func (a *Adapter) call(ctx context.Context, method, path string, body, out any, extra map[string]string) (json.RawMessage, error) {
	headers := map[string]string{"X-Api-Key": a.config.APIKey}
	for k, v := range extra {
		headers[k] = v
	}
	return a.http.Do(ctx, provider.Call{Method: method, Path: path, Headers: headers, Body: body}, out)
}

// ResolveAccount implements provider.Adapter.
func (a *Adapter) ResolveAccount(ctx context.Context, req provider.ResolveAccountRequest) (*provider.Counterparty, error) {
	var resp response[struct {
		AccountName string `json:"accountName"`
		BankName    string `json:"bankName"`
	}]
	body := map[string]string{"accountNumber": req.AccountNumber, "bankCode": req.BankCode}
	if _, err := a.call(ctx, http.MethodPost, "/transfer/name-enquiry", body, &resp, nil); err != nil {
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
	var resp response[struct {
		AccountNumber string `json:"accountNumber"`
		AccountName   string `json:"accountName"`
		BankCode      string `json:"bankCode"`
		BankName      string `json:"bankName"`
		AccountRef    string `json:"accountReference"`
	}]
	body := map[string]string{
		"accountReference": req.Reference,
		"accountName":      req.AccountName,
		"customerEmail":    req.Email,
	}
	if _, err := a.call(ctx, http.MethodPost, "/accounts/virtual", body, &resp, nil); err != nil {
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
		ProviderAccountRef: resp.Data.AccountRef,
	}, nil
}

type transferData struct {
	TransactionRef string `json:"transactionReference"`
	Status         string `json:"status"`
}

// Payout implements provider.Adapter.
func (a *Adapter) Payout(ctx context.Context, req provider.PayoutRequest) (*provider.Result, error) {
	source := req.SourceAccount
	if source == "" {
		source = a.config.SourceAccount
	}
	hash := IntegrityHash(a.config.Secret, req.Amount, source, req.Recipient.AccountNumber, req.Recipient.BankCode, req.Reference)

	a.logger.Info("betapay payout",
		"reference", req.Reference,
		"amount", req.Amount.AmountMinor,
		"bank_code", req.Recipient.BankCode,
	)

	body := map[string]string{
		"reference":          req.Reference,
		"amount":             req.Amount.StringFixed(),
		"senderAccount":      source,
		"beneficiaryAccount": req.Recipient.AccountNumber,
		"beneficiaryBank":    req.Recipient.BankCode,
		"beneficiaryName":    req.Recipient.AccountName,
		"narration":          req.Narration,
		"hash":               hash,
	}
	var resp response[transferData]
	raw, err := a.call(ctx, http.MethodPost, "/transfer", body, &resp, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &provider.Result{
		Outcome:           resp.outcome(),
		ProviderReference: resp.Data.TransactionRef,
		Message:           resp.ResponseMessage,
		Raw:               raw,
	}, nil
}

type vasData struct {
	TransactionRef string `json:"transactionReference"`
	Token          string `json:"token"`
}

func (a *Adapter) vas(ctx context.Context, path, reference string, body map[string]string) (*provider.Result, error) {
	requestID := a.requestID()
	body["reference"] = reference
	body["requestId"] = requestID

	var resp response[vasData]
	raw, err := a.call(ctx, http.MethodPost, path, body, &resp, map[string]string{"X-Request-Id": requestID})
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &provider.Result{
		Outcome:           resp.outcome(),
		ProviderReference: resp.Data.TransactionRef,
		Message:           resp.ResponseMessage,
		Token:             resp.Data.Token,
		Raw:               raw,
	}, nil
}

// TopUpAirtime implements provider.Adapter.
func (a *Adapter) TopUpAirtime(ctx context.Context, req provider.AirtimeRequest) (*provider.Result, error) {
	return a.vas(ctx, "/vas/airtime", req.Reference, map[string]string{
		"phone":   req.Phone,
		"network": strings.ToUpper(req.Network),
		"amount":  req.Amount.StringFixed(),
	})
}

// TopUpData implements provider.Adapter.
func (a *Adapter) TopUpData(ctx context.Context, req provider.DataRequest) (*provider.Result, error) {
	return a.vas(ctx, "/vas/data", req.Reference, map[string]string{
		"phone":    req.Phone,
		"network":  strings.ToUpper(req.Network),
		"planCode": req.PlanCode,
		"amount":   req.Amount.StringFixed(),
	})
}

// PayBill implements provider.Adapter.
func (a *Adapter) PayBill(ctx context.Context, req provider.BillRequest) (*provider.Result, error) {
	return a.vas(ctx, "/vas/bills", req.Reference, map[string]string{
		"billerCode": req.BillerCode,
		"itemCode":   req.ItemCode,
		"customerId": req.CustomerID,
		"amount":     req.Amount.StringFixed(),
	})
}

// ValidateBiller implements provider.Adapter.
func (a *Adapter) ValidateBiller(ctx context.Context, req provider.BillerRequest) (*provider.BillerCustomer, error) {
	var resp response[struct {
		CustomerName string `json:"customerName"`
		Address      string `json:"address"`
		MinAmount    string `json:"minimumAmount"`
	}]
	body := map[string]string{
		"billerCode": req.BillerCode,
		"itemCode":   req.ItemCode,
		"customerId": req.CustomerID,
	}
	if _, err := a.call(ctx, http.MethodPost, "/vas/bills/validate", body, &resp, nil); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	out := &provider.BillerCustomer{
		CustomerID:   req.CustomerID,
		CustomerName: resp.Data.CustomerName,
		Address:      resp.Data.Address,
		MinAmount:    money.Zero(money.NGN),
	}
	if resp.Data.MinAmount != "" {
		if m, err := money.ParseMajor(resp.Data.MinAmount, money.NGN); err == nil {
			out.MinAmount = m
		}
	}
	return out, nil
}

// GetBalance implements provider.Adapter.
func (a *Adapter) GetBalance(ctx context.Context) (money.Money, error) {
	var resp response[struct {
		Balance string `json:"availableBalance"`
	}]
	if _, err := a.call(ctx, http.MethodGet, "/accounts/balance", nil, &resp, nil); err != nil {
		return money.Money{}, err
	}
	if err := resp.err(); err != nil {
		return money.Money{}, err
	}
	bal, err := money.ParseMajor(resp.Data.Balance, money.NGN)
	if err != nil {
		return money.Money{}, provider.Transport(provider.Betapay, err)
	}
	return bal, nil
}

// TransactionStatus implements provider.Adapter.
func (a *Adapter) TransactionStatus(ctx context.Context, reference string) (*provider.Result, error) {
	var resp response[transferData]
	raw, err := a.call(ctx, http.MethodGet, "/transactions/"+url.PathEscape(reference), nil, &resp, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	res := &provider.Result{
		ProviderReference: resp.Data.TransactionRef,
		Message:           resp.ResponseMessage,
		Raw:               raw,
	}
	switch strings.ToUpper(resp.Data.Status) {
	case "SUCCESSFUL", "SUCCESS":
		res.Outcome = provider.OutcomeSuccessful
	case "FAILED":
		res.Outcome = provider.OutcomeFailed
	case "REVERSED":
		res.Outcome = provider.OutcomeReversed
	default:
		res.Outcome = provider.OutcomePending
	}
	return res, nil
}
