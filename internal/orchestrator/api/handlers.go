package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	"paycore/internal/fees"
	"paycore/internal/idempotency"
	"paycore/internal/ledger"
	"paycore/internal/orchestrator"
	"paycore/internal/provider"
	"paycore/internal/providers/alphabank"
	"paycore/internal/providers/betapay"
	"paycore/internal/providers/gammacard"
)

const (
	// HeaderPIN carries the merchant user's transaction PIN.
	HeaderPIN = "X-Transaction-PIN"
	// HeaderReplayed is set when an idempotency key resolved to an earlier
	// transaction.
	HeaderReplayed = "X-Idempotency-Replayed"

	maxWebhookBody = 1 << 20
)

// ErrInvalidPIN is returned by a PINVerifier for a wrong or missing PIN.
var ErrInvalidPIN = errors.New("invalid transaction PIN")

// PINVerifier checks a transaction PIN before money moves.
type PINVerifier interface {
	VerifyPIN(ctx context.Context, merchantID, userID, pin string) error
}

// signatureHeaders maps each rail to the header its webhooks are signed in.
var signatureHeaders = map[provider.Name]string{
	provider.Alphabank: alphabank.SignatureHeader,
	provider.Betapay:   betapay.HashHeader,
	provider.Gammacard: gammacard.SignatureHeader,
}

// Handler handles orchestrator HTTP requests
type Handler struct {
	service *orchestrator.Service
	pins    PINVerifier
	logger  *slog.Logger
}

// NewHandler creates a new orchestrator handler. A nil verifier skips PIN
// checks.
func NewHandler(service *orchestrator.Service, pins PINVerifier, logger *slog.Logger) *Handler {
	return &Handler{service: service, pins: pins, logger: logger}
}

// Routes returns the merchant routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireMerchant)

	// Money movement
	r.Post("/withdraw", h.Withdraw)
	r.Post("/send-money", h.SendMoney)
	r.Post("/airtime", h.BuyAirtime)
	r.Post("/data", h.BuyData)
	r.Post("/bills", h.PayBill)

	// Lookups
	r.Post("/bills/validate", h.ValidateBiller)
	r.Post("/bank-accounts/resolve", h.ResolveBankAccount)

	// Bank accounts
	r.Post("/bank-accounts", h.GenerateBankAccount)
	r.Delete("/bank-accounts", h.DeleteBankAccount)
	r.Get("/beneficiaries", h.ListBeneficiaries)
	r.Post("/inflows", h.ExpectInflow)

	return r
}

// AdminRoutes returns the operator routes. Callers mount them behind
// middleware.AdminToken.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/providers", h.ListProviders)
	r.Post("/providers/switch", h.SwitchProvider)
	r.Put("/providers/fees", h.UpdateFeeSchedule)
	r.Get("/providers/{name}/balance", h.ProviderBalance)
	r.Post("/providers/fund", h.FundFloat)
	r.Post("/sweep", h.Sweep)

	r.Post("/wallets", h.OpenWallet)
	r.Put("/wallets/{merchantID}/pricing", h.SetPricing)

	return r
}

// WebhookRoutes returns the rail notification endpoint.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{provider}", h.Webhook)
	return r
}

// Withdraw handles POST /withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	move(h, w, r, h.service.Withdraw)
}

// SendMoney handles POST /send-money
func (h *Handler) SendMoney(w http.ResponseWriter, r *http.Request) {
	move(h, w, r, h.service.SendMoney)
}

// BuyAirtime handles POST /airtime
func (h *Handler) BuyAirtime(w http.ResponseWriter, r *http.Request) {
	move(h, w, r, h.service.BuyAirtime)
}

// BuyData handles POST /data
func (h *Handler) BuyData(w http.ResponseWriter, r *http.Request) {
	move(h, w, r, h.service.BuyData)
}

// PayBill handles POST /bills
func (h *Handler) PayBill(w http.ResponseWriter, r *http.Request) {
	move(h, w, r, h.service.PayBill)
}

// move runs one money movement: caller, body, PIN, then the service.
func move[T any](h *Handler, w http.ResponseWriter, r *http.Request, fn func(context.Context, orchestrator.Caller, T) (*orchestrator.Receipt, error)) {
	c := callerFrom(r)
	if c.IdempotencyKey == "" {
		api.BadRequest(w, middleware.HeaderIdempotencyKey+" header is required")
		return
	}

	var req T
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	if !h.verifyPIN(w, r, c) {
		return
	}

	receipt, err := fn(r.Context(), c, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if receipt.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	api.WriteData(w, http.StatusOK, receipt)
}

// ValidateBiller handles POST /bills/validate
func (h *Handler) ValidateBiller(w http.ResponseWriter, r *http.Request) {
	var req provider.BillerRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	cust, err := h.service.ValidateBiller(r.Context(), req)
	h.writeLookup(w, r, cust, err)
}

// ResolveBankAccount handles POST /bank-accounts/resolve
func (h *Handler) ResolveBankAccount(w http.ResponseWriter, r *http.Request) {
	var req provider.ResolveAccountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	cp, err := h.service.ResolveBankAccount(r.Context(), req)
	h.writeLookup(w, r, cp, err)
}

// writeLookup passes a rail's answer through in the uniform envelope.
func (h *Handler) writeLookup(w http.ResponseWriter, r *http.Request, data any, err error) {
	if err == nil {
		api.WriteJSON(w, http.StatusOK, provider.Wrap(data, nil))
		return
	}
	if _, ok := provider.AsError(err); ok {
		api.WriteJSON(w, http.StatusBadGateway, provider.Wrap[any](nil, err))
		return
	}
	h.writeError(w, r, err)
}

// GenerateBankAccount handles POST /bank-accounts
func (h *Handler) GenerateBankAccount(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.BankAccountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	sub, err := h.service.GenerateBankAccount(r.Context(), callerFrom(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, sub)
}

// ExpectInflow handles POST /inflows
func (h *Handler) ExpectInflow(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.InflowRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	inflow, err := h.service.ExpectInflow(r.Context(), callerFrom(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, inflow)
}

// DeleteBankAccount handles DELETE /bank-accounts. The optional provider
// query parameter picks the rail; the active banking rail is the default.
func (h *Handler) DeleteBankAccount(w http.ResponseWriter, r *http.Request) {
	var name provider.Name
	if q := r.URL.Query().Get("provider"); q != "" {
		n, err := provider.ParseName(q)
		if err != nil {
			api.BadRequest(w, err.Error())
			return
		}
		name = n
	}
	if err := h.service.DeleteBankAccount(r.Context(), callerFrom(r), name); err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListBeneficiaries handles GET /beneficiaries
func (h *Handler) ListBeneficiaries(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListBeneficiaries(r.Context(), callerFrom(r).MerchantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, list)
}

// ListProviders handles GET /providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ListProviders(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, views)
}

// SwitchProvider handles POST /providers/switch
func (h *Handler) SwitchProvider(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SwitchRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	a, err := h.service.SwitchProvider(r.Context(), actorFrom(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, a)
}

// UpdateFeeSchedule handles PUT /providers/fees
func (h *Handler) UpdateFeeSchedule(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.UpdateFeeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	sched, err := h.service.UpdateFeeSchedule(r.Context(), actorFrom(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, sched)
}

// ProviderBalance handles GET /providers/{name}/balance
func (h *Handler) ProviderBalance(w http.ResponseWriter, r *http.Request) {
	name, err := provider.ParseName(chi.URLParam(r, "name"))
	if err != nil {
		api.NotFound(w, err.Error())
		return
	}
	bal, err := h.service.ProviderBalance(r.Context(), name)
	h.writeLookup(w, r, bal, err)
}

// FundFloat handles POST /providers/fund
func (h *Handler) FundFloat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.FundFloatRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	res, err := h.service.FundFloat(r.Context(), actorFrom(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// Sweep handles POST /sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Sweep(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, report)
}

// OpenWallet handles POST /wallets
func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.OpenWalletRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	wallet, err := h.service.OpenWallet(r.Context(), actorFrom(r), req)
	if err != nil {
		if database.IsUniqueViolation(err) || errors.Is(err, database.ErrAlreadyExists) {
			api.Conflict(w, api.ErrCodeConflict, "wallet already exists for merchant")
			return
		}
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, wallet)
}

// SetPricing handles PUT /wallets/{merchantID}/pricing
func (h *Handler) SetPricing(w http.ResponseWriter, r *http.Request) {
	var pricing fees.Pricing
	if err := api.DecodeAndValidate(r, &pricing); err != nil {
		api.ValidationError(w, err)
		return
	}
	merchantID := chi.URLParam(r, "merchantID")
	if err := h.service.SetPricing(r.Context(), actorFrom(r), merchantID, pricing); err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, pricing)
}

// Webhook handles POST /webhooks/{provider}. Rails retry anything but a 200,
// so the response is 200 whatever happened; failures are logged and the
// inbox sweep picks up what was stored.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ok := map[string]string{"status": "ok"}

	name, err := provider.ParseName(chi.URLParam(r, "provider"))
	if err != nil {
		h.logger.Warn("webhook for unknown provider", "provider", chi.URLParam(r, "provider"))
		api.WriteJSON(w, http.StatusOK, ok)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("reading webhook body", "provider", name, "error", err)
		api.WriteJSON(w, http.StatusOK, ok)
		return
	}

	sig := r.Header.Get(signatureHeaders[name])
	if err := h.service.AcceptWebhook(r.Context(), name, payload, sig); err != nil && !errors.Is(err, orchestrator.ErrInvalidSignature) {
		h.logger.Error("accepting webhook",
			"provider", name,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
			"error", err,
		)
	}
	api.WriteJSON(w, http.StatusOK, ok)
}

func (h *Handler) verifyPIN(w http.ResponseWriter, r *http.Request, c orchestrator.Caller) bool {
	if h.pins == nil {
		return true
	}
	err := h.pins.VerifyPIN(r.Context(), c.MerchantID, c.UserID, r.Header.Get(HeaderPIN))
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrInvalidPIN):
		api.Forbidden(w, "INVALID_PIN", "Invalid transaction PIN")
	default:
		h.logger.Error("verifying PIN", "merchant_id", c.MerchantID, "error", err)
		api.InternalError(w, "failed to verify PIN")
	}
	return false
}

// writeError maps service errors onto responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		api.InsufficientFunds(w, "Insufficient wallet balance")
	case errors.Is(err, orchestrator.ErrComplianceRequired):
		api.Forbidden(w, api.ErrCodeComplianceRequired, err.Error())
	case errors.Is(err, idempotency.ErrInProgress):
		api.Conflict(w, api.ErrCodeIdempotency, err.Error())
	case errors.Is(err, idempotency.ErrKeyReused):
		api.Unprocessable(w, api.ErrCodeIdempotency, err.Error())
	case errors.Is(err, idempotency.ErrMissingKey):
		api.BadRequest(w, err.Error())
	case errors.Is(err, provider.ErrVersionConflict),
		errors.Is(err, orchestrator.ErrAccountExists):
		api.Conflict(w, api.ErrCodeConflict, err.Error())
	case errors.Is(err, fees.ErrInvalidSchedule),
		errors.Is(err, orchestrator.ErrInvalidAmount),
		errors.Is(err, orchestrator.ErrSelfTransfer),
		errors.Is(err, orchestrator.ErrLastActiveProvider),
		errors.Is(err, orchestrator.ErrCapabilityUnsupported),
		errors.Is(err, orchestrator.ErrProviderDisabled),
		errors.Is(err, ledger.ErrSubAccountDisabled),
		errors.Is(err, provider.ErrUnknownProvider):
		api.Unprocessable(w, api.ErrCodeValidation, err.Error())
	case database.IsNotFound(err), errors.Is(err, provider.ErrProviderNotFound):
		api.NotFound(w, notFoundMessage(err))
	default:
		if pe, ok := provider.AsError(err); ok {
			api.ProviderError(w, pe.Message)
			return
		}
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"merchant_id", r.Header.Get(middleware.HeaderMerchantID),
			"correlation_id", middleware.GetCorrelationID(r.Context()),
			"error", err,
		)
		api.InternalError(w, "request failed")
	}
}

func notFoundMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i > 0 {
		return msg[:i] + " not found"
	}
	return "not found"
}

func callerFrom(r *http.Request) orchestrator.Caller {
	return orchestrator.Caller{
		MerchantID:     strings.TrimSpace(r.Header.Get(middleware.HeaderMerchantID)),
		UserID:         strings.TrimSpace(r.Header.Get(middleware.HeaderUserID)),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(middleware.HeaderIdempotencyKey)),
	}
}

func actorFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(middleware.HeaderUserID)); id != "" {
		return id
	}
	return "admin"
}
