package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vanshika/paybridge/backend/internal/domain"
)

func newRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer relay-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":"failed","reason":"unauthorized"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/escrows":
			var req relayCreateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Participants) == 0 {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"status":"failed","reason":"malformed request"}`))
				return
			}
			_, _ = w.Write([]byte(`{"escrow_id":"0xescrow","transaction_id":"0xtx1","gas_used":1000000,"status":"success"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/escrows/0xescrow/milestones/1/release":
			_, _ = w.Write([]byte(`{"transaction_id":"0xtx2","gas_used":1000000,"status":"success"}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/release"):
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"transaction_id":"0xtx3","gas_used":500000,"status":"failed","reason":"Insufficient permissions or invalid milestone"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/escrows/0xescrow":
			_, _ = w.Write([]byte(`{"escrow_id":"0xescrow","project_id":"PROJ-001","total_usdc":"70","client_address":"0xclient","participants":[{"participant_id":"dev-1","address":"0xaaa","allocation_percent":"100"}],"milestone_count":3,"released_milestones":[1],"state":"active","transaction_id":"0xtx1","created_at":"2025-06-01T00:00:00Z"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/escrows/0xbroken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRelayClient(t *testing.T) {
	t.Parallel()

	srv := newRelayServer(t)
	relay, err := NewRelayClient(srv.URL+"/", "relay-key", srv.Client())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	ledger := NewLedger(relay, Options{CallTimeout: time.Second, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx := context.Background()

	desc, err := ledger.CreateEscrow(ctx, CreateEscrowRequest{
		ProjectID:      "PROJ-001",
		TotalUSDC:      pct("70"),
		ClientAddress:  "0xclient",
		Participants:   []domain.Allocation{{ParticipantID: "dev-1", Address: "0xaaa", Percentage: pct("100")}},
		MilestoneCount: 3,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if desc.EscrowID != "0xescrow" || desc.TransactionID != "0xtx1" {
		t.Fatalf("unexpected descriptor %+v", desc)
	}

	res, err := ledger.ReleaseMilestone(ctx, "0xescrow", 1, "0xclient")
	if err != nil || !res.Succeeded() || res.TransactionID != "0xtx2" {
		t.Fatalf("expected successful release, got %+v, %v", res, err)
	}

	res, err = ledger.ReleaseMilestone(ctx, "0xescrow", 2, "0xstranger")
	if err != nil {
		t.Fatalf("expected business failure as a result, got %v", err)
	}
	if res.Succeeded() || res.GasUsed != 500000 {
		t.Fatalf("expected failed result, got %+v", res)
	}

	got, ok, err := ledger.Status(ctx, "0xescrow")
	if err != nil || !ok {
		t.Fatalf("expected escrow, got ok=%v err=%v", ok, err)
	}
	if len(got.Participants) != 1 || got.ReleasedMilestones[0] != 1 || !got.TotalUSDC.Equal(pct("70")) {
		t.Fatalf("unexpected descriptor %+v", got)
	}

	if _, ok, err := ledger.Status(ctx, "0xmissing"); err != nil || ok {
		t.Fatalf("expected absent escrow, got ok=%v err=%v", ok, err)
	}
	if _, _, err := ledger.Status(ctx, "0xbroken"); !errors.Is(err, domain.ErrChainUnreachable) {
		t.Fatalf("expected ErrChainUnreachable for 5xx, got %v", err)
	}
}

func TestRelayClient_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	relay, err := NewRelayClient(url, "", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	ledger := NewLedger(relay, Options{CallTimeout: time.Second, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if _, err := ledger.ReleaseMilestone(context.Background(), "0xescrow", 1, "0xclient"); !errors.Is(err, domain.ErrChainUnreachable) {
		t.Fatalf("expected ErrChainUnreachable, got %v", err)
	}
}
