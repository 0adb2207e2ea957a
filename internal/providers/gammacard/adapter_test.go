package gammacard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"

	"paycore/internal/provider"
)

type fakeConn struct {
	replies  map[string]string
	err      error
	handlers map[string]nats.MsgHandler
	lastBody map[string]string
}

func (f *fakeConn) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	if f.err != nil {
		return nil, f.err
	}
	json.Unmarshal(data, &f.lastBody)
	return &nats.Msg{Subject: subj, Data: []byte(f.replies[subj])}, nil
}

func (f *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.handlers == nil {
		f.handlers = make(map[string]nats.MsgHandler)
	}
	f.handlers[subj] = cb
	return nil, nil
}

func logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestGetBalance(t *testing.T) {
	conn := &fakeConn{replies: map[string]string{
		SubjectBalance: `{"success":true,"data":{"amount":123456,"currency":"NGN"}}`,
	}}
	a := NewAdapter(Config{MerchantID: "acq-1"}, conn, logger())

	bal, err := a.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.AmountMinor != 123456 {
		t.Fatalf("balance = %v", bal)
	}
	if conn.lastBody["merchantId"] != "acq-1" {
		t.Fatalf("request = %+v", conn.lastBody)
	}
}

func TestTransactionStatus(t *testing.T) {
	cases := map[string]provider.Outcome{
		"CAPTURED":   provider.OutcomeSuccessful,
		"DECLINED":   provider.OutcomeFailed,
		"CHARGEBACK": provider.OutcomeReversed,
		"AUTHORISED": provider.OutcomePending,
	}
	for status, want := range cases {
		t.Run(status, func(t *testing.T) {
			conn := &fakeConn{replies: map[string]string{
				SubjectStatus: `{"success":true,"data":{"transactionId":"TXN-1","status":"` + status + `"}}`,
			}}
			res, err := NewAdapter(Config{}, conn, logger()).TransactionStatus(context.Background(), "PC1")
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != want || res.ProviderReference != "TXN-1" {
				t.Fatalf("result = %+v", res)
			}
		})
	}
}

func TestRequestFailures(t *testing.T) {
	declined := &fakeConn{replies: map[string]string{SubjectStatus: `{"success":false,"error":"unknown reference","code":404}`}}
	_, err := NewAdapter(Config{}, declined, logger()).TransactionStatus(context.Background(), "PC1")
	if pe, ok := provider.AsError(err); !ok || pe.Code != 404 {
		t.Fatalf("declined err = %v", err)
	}

	down := &fakeConn{err: nats.ErrNoResponders}
	_, err = NewAdapter(Config{}, down, logger()).GetBalance(context.Background())
	if pe, ok := provider.AsError(err); !ok || pe.Code != provider.CodeTransport || !errors.Is(err, nats.ErrNoResponders) {
		t.Fatalf("transport err = %v", err)
	}

	_, err = NewAdapter(Config{}, nil, logger()).GetBalance(context.Background())
	if pe, ok := provider.AsError(err); !ok || pe.Code != provider.CodeTransport {
		t.Fatalf("nil conn err = %v", err)
	}
}

func TestPayoutUnsupported(t *testing.T) {
	_, err := NewAdapter(Config{}, nil, logger()).Payout(context.Background(), provider.PayoutRequest{})
	if !provider.IsUnsupported(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubscriptionFeedsSink(t *testing.T) {
	conn := &fakeConn{}
	a := NewAdapter(Config{}, conn, logger())

	var got []*provider.WebhookEvent
	if err := a.Subscribe(func(_ context.Context, ev *provider.WebhookEvent) { got = append(got, ev) }); err != nil {
		t.Fatal(err)
	}

	conn.handlers[SubjectTxnChargeback](&nats.Msg{
		Subject: SubjectTxnChargeback,
		Data: []byte(`{"type":"txn.chargeback","transactionId":"TXN-9","merchantRef":"m-1",` +
			`"amount":50000,"currency":"NGN","reason":"fraud","reasonCode":"4837"}`),
	})
	conn.handlers[SubjectTxnCaptured](&nats.Msg{Subject: SubjectTxnCaptured, Data: []byte(`garbage`)})

	if len(got) != 1 {
		t.Fatalf("sink received %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.Kind != provider.EventChargeback || ev.MerchantID != "m-1" || ev.Amount.AmountMinor != 50000 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Reason != "fraud (4837)" {
		t.Fatalf("reason = %q", ev.Reason)
	}
}

func TestWebhookSignature(t *testing.T) {
	a := NewAdapter(Config{WebhookSecret: "whsec"}, nil, logger())
	payload := []byte(`{"type":"txn.captured","transactionId":"TXN-1","amount":100}`)
	if !a.VerifyWebhookSignature(payload, provider.SignHMAC(provider.SHA256, "whsec", payload)) {
		t.Fatal("valid signature rejected")
	}
	if a.VerifyWebhookSignature(payload, provider.SignHMAC(provider.SHA512, "whsec", payload)) {
		t.Fatal("sha512 signature accepted")
	}
}
