package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/deposit-queue/internal/model"
)

func snapshot() model.Snapshot {
	return model.Snapshot{
		Round:           2,
		RoundState:      "ACTIVE",
		TotalDeposited:  decimal.NewFromInt(1000),
		ProtocolReserve: decimal.NewFromInt(50),
		Liability:       decimal.NewFromInt(500),
		HealthFactor:    decimal.NewFromFloat(0.1),
		QueueLength:     4,
		Strategy:        "fixed",
		RecentExits: []model.ExitRecord{
			{Reason: model.ExitPaid},
			{Reason: model.ExitEarly},
		},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(snapshot())
	assert.Contains(t, s, "Round: 2 (ACTIVE)")
	assert.Contains(t, s, "Total deposited: 1000.00")
	assert.Contains(t, s, "Health factor: 0.1000")
	assert.Contains(t, s, "Queue length: 4")
	assert.Contains(t, s, "paid 1, slashed 0, early 1")
}

func TestRun_Unconfigured(t *testing.T) {
	rep := New(nil).Run(context.Background(), snapshot())
	assert.True(t, rep.Placeholder)
	assert.Equal(t, PlaceholderUnconfigured, rep.Text)
	assert.NotEmpty(t, rep.Summary)

	rep = New(NewHTTPGenerator("", "", "")).Run(context.Background(), snapshot())
	assert.Equal(t, PlaceholderUnconfigured, rep.Text)
}

func TestHTTPGenerator_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "audit-model", req.Model)
		assert.True(t, strings.Contains(req.Messages[0].Content, "Queue length: 4"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  The queue is fragile.  "}}]}`))
	}))
	defer srv.Close()

	rep := New(NewHTTPGenerator(srv.URL, "secret", "audit-model")).Run(context.Background(), snapshot())
	assert.False(t, rep.Placeholder)
	assert.Equal(t, "The queue is fragile.", rep.Text)
}

func TestHTTPGenerator_FailureDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(srv.URL, "", "m")
	_, err := gen.Generate(context.Background(), "x")
	require.Error(t, err)

	rep := New(gen).Run(context.Background(), snapshot())
	assert.True(t, rep.Placeholder)
	assert.Equal(t, PlaceholderFailed, rep.Text)
}
