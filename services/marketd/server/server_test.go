package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"p2pmarket/services/marketd/dispatch"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/repository/repotest"
	"p2pmarket/services/marketd/trade"
)

type fixture struct {
	store  *repository.Store
	server *Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := repotest.OpenStore(t)
	d, err := dispatch.NewDispatcher(dispatch.Config{
		Envelopes: store.Envelopes,
		Registry:  dispatch.NewRegistry(),
	})
	require.NoError(t, err)
	cfg.Envelopes = store.Envelopes
	cfg.Retrier = d
	cfg.Templates = trade.NewTemplateService(store, nil)
	srv, err := New(cfg)
	require.NoError(t, err)
	return &fixture{store: store, server: srv}
}

func (f *fixture) seed(t *testing.T, msgID string, status models.ProcessingStatus, received time.Time) {
	t.Helper()
	require.NoError(t, f.store.Envelopes.Create(context.Background(), &models.Envelope{
		MsgID:            msgID,
		Sender:           "peer",
		Payload:          `{"action":"MPA_BID"}`,
		ReceivedAt:       received,
		ProcessingStatus: status,
		Attempts:         2,
		LastError:        "processor failed",
	}))
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	return f.send(t, method, path, "")
}

func (f *fixture) send(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	down := newFixture(t, Config{Ping: func(context.Context) error { return errors.New("db gone") }})
	rec = down.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListEnvelopes(t *testing.T) {
	f := newFixture(t, Config{})
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.seed(t, "a", models.StatusProcessed, base)
	f.seed(t, "b", models.StatusProcessingFailed, base.Add(time.Second))
	f.seed(t, "c", models.StatusProcessingFailed, base.Add(2*time.Second))

	rec := f.do(t, http.MethodGet, "/v1/envelopes?status=PROCESSING_FAILED")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Envelopes []envelopeView `json:"envelopes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Envelopes, 2)
	require.Equal(t, "c", body.Envelopes[0].MsgID)
	require.Equal(t, len(`{"action":"MPA_BID"}`), body.Envelopes[0].PayloadBytes)
	require.NotContains(t, rec.Body.String(), "MPA_BID")

	rec = f.do(t, http.MethodGet, "/v1/envelopes?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Envelopes, 1)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/envelopes?status=DONE").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/envelopes?limit=-4").Code)
}

func TestGetEnvelope(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, "known", models.StatusWaiting, time.Now())

	rec := f.do(t, http.MethodGet, "/v1/envelopes/known")
	require.Equal(t, http.StatusOK, rec.Code)
	var view envelopeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, models.StatusWaiting, view.Status)
	require.Equal(t, 2, view.Attempts)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/envelopes/missing").Code)
}

func TestRetryEnvelope(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, "failed", models.StatusProcessingFailed, time.Now())
	f.seed(t, "done", models.StatusProcessed, time.Now())

	rec := f.do(t, http.MethodPost, "/v1/envelopes/failed/retry")
	require.Equal(t, http.StatusAccepted, rec.Code)
	stored, err := f.store.Envelopes.FindByMsgID(context.Background(), "failed")
	require.NoError(t, err)
	require.Equal(t, models.StatusNew, stored.ProcessingStatus)
	require.Zero(t, stored.Attempts)

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/envelopes/done/retry").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/envelopes/ghost/retry").Code)
}

func TestTemplateEscrowLockedOncePublished(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.send(t, http.MethodPost, "/v1/templates",
		`{"information":{"title":"Desk"},"payment":{"type":"SALE","escrow":{"type":"MAD","ratio":{"buyer":100,"seller":100}}}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID     uuid.UUID  `json:"id"`
		Escrow escrowView `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, models.EscrowMAD, created.Escrow.Type)

	path := "/v1/templates/" + created.ID.String() + "/escrow"
	rec = f.send(t, http.MethodPut, path, `{"type":"mad","ratio":{"buyer":50,"seller":150}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated escrowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.EqualValues(t, 150, updated.SellerRatio)

	require.Equal(t, http.StatusBadRequest, f.send(t, http.MethodPut, path, `{"type":"FOO"}`).Code)
	require.Equal(t, http.StatusBadRequest, f.send(t, http.MethodPut, "/v1/templates/nope/escrow", `{"type":"NOP"}`).Code)
	require.Equal(t, http.StatusNotFound, f.send(t, http.MethodPut, "/v1/templates/"+uuid.NewString()+"/escrow", `{"type":"NOP"}`).Code)

	require.NoError(t, f.store.Listings.Create(context.Background(), &models.ListingItem{Hash: "published", TemplateID: &created.ID}))
	require.Equal(t, http.StatusConflict, f.send(t, http.MethodPut, path, `{"type":"NOP"}`).Code)

	stored, err := f.store.Escrows.FindByTemplateID(context.Background(), created.ID)
	require.NoError(t, err)
	require.EqualValues(t, 150, stored.SellerRatio)
}

func TestRateLimitPerClient(t *testing.T) {
	f := newFixture(t, Config{RateLimit: RateLimit{RequestsPerMinute: 1, Burst: 2}})
	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = fmt.Sprintf("%s:5555", addr)
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, call("10.0.0.1"))
	require.Equal(t, http.StatusOK, call("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.1"))
	require.Equal(t, http.StatusOK, call("10.0.0.2"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	f.do(t, http.MethodGet, "/healthz")
	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
