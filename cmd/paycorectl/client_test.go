package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"paycore/internal/common/api"
	"paycore/internal/orchestrator"
)

func TestAdminClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			api.WriteError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "Invalid admin token")
			return
		}
		switch r.URL.Path {
		case "/api/v1/admin/sweep":
			api.WriteData(w, http.StatusOK, orchestrator.SweepReport{Checked: 3, Settled: 2})
		default:
			api.ValidationError(w, api.Validate.Struct(orchestrator.SwitchRequest{}))
		}
	}))
	defer srv.Close()

	c := newAdminClient(&Config{APIURL: srv.URL + "/", AdminToken: "secret"})
	var report orchestrator.SweepReport
	if err := c.do(context.Background(), http.MethodPost, "/sweep", nil, &report); err != nil {
		t.Fatal(err)
	}
	if report.Checked != 3 || report.Settled != 2 {
		t.Fatalf("report = %+v", report)
	}

	err := c.do(context.Background(), http.MethodPost, "/providers/switch", orchestrator.SwitchRequest{}, nil)
	if err == nil || !strings.Contains(err.Error(), "VALIDATION_ERROR") || !strings.Contains(err.Error(), "Name") {
		t.Fatalf("err = %v", err)
	}

	c.token = "wrong"
	if err := c.do(context.Background(), http.MethodPost, "/sweep", nil, nil); err == nil || !strings.Contains(err.Error(), "UNAUTHORIZED") {
		t.Fatalf("err = %v", err)
	}
}
