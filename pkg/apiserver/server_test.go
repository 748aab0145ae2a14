package apiserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dripflow/dripflow/pkg/attribution"
	"github.com/dripflow/dripflow/pkg/auth"
	"github.com/dripflow/dripflow/pkg/config"
	"github.com/dripflow/dripflow/pkg/progression"
	"github.com/dripflow/dripflow/pkg/sequence"
	"github.com/dripflow/dripflow/pkg/store/postgres"
)

const adminToken = "admin-secret"

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	st := postgres.NewWithDB(db)
	if err := st.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	catalog := sequence.NewCatalog(st.Sequences(), nil, nil, nil)
	engine := progression.New(progression.Dependencies{
		Sequences:    catalog,
		Participants: st.Participants(),
		Transactor:   st,
		Aggregator:   attribution.NewAggregator(st.Events(), st.Participants(), time.Second, nil),
	}, progression.Config{}, nil)

	cfg := &config.Config{}
	cfg.Auth.AdminToken = adminToken
	cfg.Server.CORSOrigins = []string{"*"}

	return NewServer(Dependencies{
		Engine:       engine,
		Catalog:      catalog,
		Participants: st.Participants(),
		Tokens:       auth.NewTokenManager([]byte("test-signing-key"), time.Hour),
	}, cfg, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.Router().ServeHTTP(recorder, req)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	recorder := do(t, server, http.MethodGet, "/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}

	var response healthResponse
	decode(t, recorder, &response)
	if response.Status != "ok" {
		t.Fatalf("expected status ok, got %q", response.Status)
	}
}

func TestAdminAuthRequired(t *testing.T) {
	server := newTestServer(t)

	recorder := do(t, server, http.MethodGet, "/api/v1/admin/analytics/revenue", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}
	var response errorResponse
	decode(t, recorder, &response)
	if response.Error != "missing authorization" {
		t.Fatalf("expected missing authorization error, got %q", response.Error)
	}

	recorder = do(t, server, http.MethodGet, "/api/v1/admin/analytics/revenue", "wrong", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d for a wrong token, got %d", http.StatusUnauthorized, recorder.Code)
	}
}

func TestParticipantTokenRequired(t *testing.T) {
	server := newTestServer(t)

	recorder := do(t, server, http.MethodGet, "/api/v1/me/progress", adminToken, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected the admin token to be rejected on participant routes, got %d", recorder.Code)
	}
}

func TestProgressionFlow(t *testing.T) {
	server := newTestServer(t)

	definition := map[string]interface{}{
		"name":          "Five Day Challenge",
		"slug":          "five-day",
		"kind":          "challenge",
		"delivery_mode": "DRIP_FROM_REGISTRATION",
		"items": []map[string]interface{}{
			{"key": "day-1", "title": "Day 1", "unlock": map[string]interface{}{"type": "immediate"}},
			{"key": "day-2", "title": "Day 2", "unlock": map[string]interface{}{"type": "delay_from_registration", "delay_hours": 24}},
		},
	}
	recorder := do(t, server, http.MethodPost, "/api/v1/admin/sequences", adminToken, definition)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create sequence: expected %d, got %d: %s", http.StatusCreated, recorder.Code, recorder.Body.String())
	}
	var seq struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
		Items   []struct {
			ID  string `json:"id"`
			Key string `json:"key"`
		} `json:"items"`
	}
	decode(t, recorder, &seq)
	if len(seq.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(seq.Items))
	}

	register := map[string]interface{}{"email": "ana@example.com", "source": map[string]string{"utm_source": "youtube"}}
	recorder = do(t, server, http.MethodPost, "/api/v1/sequences/"+seq.ID+"/participants", "", register)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected registration into a draft to conflict, got %d", recorder.Code)
	}

	recorder = do(t, server, http.MethodPut, "/api/v1/admin/sequences/"+seq.ID+"/status", adminToken,
		map[string]interface{}{"version": seq.Version, "status": "published"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("publish: expected %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}

	recorder = do(t, server, http.MethodPost, "/api/v1/sequences/"+seq.ID+"/participants", "", register)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("register: expected %d, got %d: %s", http.StatusCreated, recorder.Code, recorder.Body.String())
	}
	var registered struct {
		Participant struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"participant"`
		Token   string `json:"token"`
		Created bool   `json:"created"`
	}
	decode(t, recorder, &registered)
	if registered.Token == "" || !registered.Created {
		t.Fatalf("expected a token for a new participant, got %+v", registered)
	}

	recorder = do(t, server, http.MethodPost, "/api/v1/sequences/"+seq.ID+"/participants", "", register)
	if recorder.Code != http.StatusOK {
		t.Fatalf("repeat register: expected %d, got %d", http.StatusOK, recorder.Code)
	}

	token := registered.Token
	day1, day2 := seq.Items[0].ID, seq.Items[1].ID

	recorder = do(t, server, http.MethodGet, "/api/v1/me/items/"+day2+"/access", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("access: expected %d, got %d", http.StatusOK, recorder.Code)
	}
	var access progression.AccessResult
	decode(t, recorder, &access)
	if access.Allowed || access.UnlockAt == nil {
		t.Fatalf("expected day 2 locked with an unlock time, got %+v", access)
	}

	recorder = do(t, server, http.MethodPost, "/api/v1/me/items/"+day2+"/start", token, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("start locked item: expected %d, got %d", http.StatusForbidden, recorder.Code)
	}
	var denied errorResponse
	decode(t, recorder, &denied)
	if denied.Kind == "" || denied.Reason == "" {
		t.Fatalf("expected a typed denial, got %+v", denied)
	}

	recorder = do(t, server, http.MethodPost, "/api/v1/me/items/"+day1+"/complete", token,
		map[string]interface{}{"time_spent_minutes": 12})
	if recorder.Code != http.StatusOK {
		t.Fatalf("complete: expected %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}

	recorder = do(t, server, http.MethodGet, "/api/v1/me/progress", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("progress: expected %d, got %d", http.StatusOK, recorder.Code)
	}
	var progress progression.ProgressSnapshot
	decode(t, recorder, &progress)
	if progress.CompletedCount != 1 {
		t.Fatalf("expected 1 completed item, got %d", progress.CompletedCount)
	}

	purchase := map[string]interface{}{
		"sequence_id":    seq.ID,
		"participant_id": registered.Participant.ID,
		"type":           "purchase",
		"value":          97,
		"currency":       "USD",
	}
	recorder = do(t, server, http.MethodPost, "/api/v1/events", token, purchase)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("browser purchase: expected %d, got %d", http.StatusUnprocessableEntity, recorder.Code)
	}
	recorder = do(t, server, http.MethodPost, "/api/v1/admin/events", adminToken, purchase)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("purchase: expected %d, got %d: %s", http.StatusAccepted, recorder.Code, recorder.Body.String())
	}

	recorder = do(t, server, http.MethodGet, "/api/v1/admin/sequences/"+seq.ID+"/participants?status=converted", adminToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list: expected %d, got %d", http.StatusOK, recorder.Code)
	}
	var listed struct {
		Total int64 `json:"total"`
	}
	decode(t, recorder, &listed)
	if listed.Total != 1 {
		t.Fatalf("expected 1 converted participant, got %d", listed.Total)
	}

	recorder = do(t, server, http.MethodGet, "/api/v1/sequences/"+seq.ID+"/leaderboard", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("leaderboard: expected %d, got %d", http.StatusOK, recorder.Code)
	}
	var board struct {
		Entries []progression.LeaderboardEntry `json:"entries"`
	}
	decode(t, recorder, &board)
	if len(board.Entries) != 1 || board.Entries[0].Identity != "a***@example.com" {
		t.Fatalf("expected one masked entry, got %+v", board.Entries)
	}
}

func TestAnonymousEventNeedsSession(t *testing.T) {
	server := newTestServer(t)

	recorder := do(t, server, http.MethodPost, "/api/v1/events", "", map[string]interface{}{
		"sequence_id": uuid.NewString(),
		"type":        "view",
	})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected %d for an anonymous event without a session, got %d", http.StatusUnprocessableEntity, recorder.Code)
	}
}

func TestBrowserCannotReportEngineEvents(t *testing.T) {
	server := newTestServer(t)

	for _, typ := range []string{"complete", "start", "registration", "Purchase", "upsell_accept"} {
		recorder := do(t, server, http.MethodPost, "/api/v1/events", "", map[string]interface{}{
			"sequence_id": uuid.NewString(),
			"session_id":  "anon-1",
			"type":        typ,
			"item_order":  0,
		})
		if recorder.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected %d, got %d: %s", typ, http.StatusUnprocessableEntity, recorder.Code, recorder.Body.String())
		}
	}
}

func TestAnalyticsRejectsBadRange(t *testing.T) {
	server := newTestServer(t)

	recorder := do(t, server, http.MethodGet, "/api/v1/admin/analytics/revenue?from=yesterday", adminToken, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected %d, got %d", http.StatusBadRequest, recorder.Code)
	}
}
