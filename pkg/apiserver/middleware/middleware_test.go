package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dripflow/dripflow/pkg/auth"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/progression"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCORSAllowList(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://learn.example.com"}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		origin string
		want   string
	}{
		{"https://learn.example.com", "https://learn.example.com"},
		{"https://evil.example.com", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", tc.origin)
		recorder := httptest.NewRecorder()
		r.ServeHTTP(recorder, req)
		if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
			t.Fatalf("origin %s: expected allow-origin %q, got %q", tc.origin, tc.want, got)
		}
	}

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	recorder := httptest.NewRecorder()
	r.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected preflight status %d, got %d", http.StatusNoContent, recorder.Code)
	}
}

func TestSessionHeaderReachesContext(t *testing.T) {
	r := gin.New()
	r.Use(Session())
	var got string
	r.GET("/ping", func(c *gin.Context) {
		got = progression.SessionFrom(c.Request.Context(), "")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Session-Id", "sess-42")
	r.ServeHTTP(httptest.NewRecorder(), req)
	if got != "sess-42" {
		t.Fatalf("expected session sess-42, got %q", got)
	}
}

func TestParticipantAuth(t *testing.T) {
	tokens := auth.NewTokenManager([]byte("key"), time.Hour)
	p := &model.Participant{ID: uuid.New(), SequenceID: uuid.New()}
	token, err := tokens.Generate(p)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	r := gin.New()
	var seen uuid.UUID
	r.GET("/me", ParticipantAuth(tokens), func(c *gin.Context) {
		seen, _ = ParticipantID(c)
		c.Status(http.StatusOK)
	})
	r.GET("/optional", OptionalParticipant(tokens), func(c *gin.Context) {
		_, ok := ParticipantID(c)
		if ok {
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusAccepted)
	})

	cases := []struct {
		path   string
		header string
		want   int
	}{
		{"/me", "", http.StatusUnauthorized},
		{"/me", "Bearer garbage", http.StatusUnauthorized},
		{"/me", "Bearer " + token, http.StatusOK},
		{"/optional", "", http.StatusAccepted},
		{"/optional", "Bearer garbage", http.StatusUnauthorized},
		{"/optional", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		recorder := httptest.NewRecorder()
		r.ServeHTTP(recorder, req)
		if recorder.Code != tc.want {
			t.Fatalf("%s with %q: expected %d, got %d", tc.path, tc.header, tc.want, recorder.Code)
		}
	}
	if seen != p.ID {
		t.Fatalf("expected participant %s in context, got %s", p.ID, seen)
	}
}
