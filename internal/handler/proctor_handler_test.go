package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/middleware"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeViolations struct {
	gotTestID string
	gotQuery  model.ListViolationsQuery
	records   []model.ViolationRecord
	total     int
	err       error
}

func (f *fakeViolations) ListViolations(_ context.Context, testID string, q model.ListViolationsQuery) ([]model.ViolationRecord, int, error) {
	f.gotTestID = testID
	f.gotQuery = q
	return f.records, f.total, f.err
}

func (f *fakeViolations) CountByUser(context.Context, string) (map[string]int64, error) {
	return map[string]int64{"u1": 3}, f.err
}

type fakeCounts map[string]int64

func (f fakeCounts) ViolationCounts(context.Context, string, string) (map[string]int64, error) {
	return f, nil
}

type fixedEnv struct{}

func (fixedEnv) Capabilities() proctor.CapabilitySet {
	return proctor.CapabilitySet{Fullscreen: true, MediaCapture: true, SecureTransport: true}
}
func (fixedEnv) GetUserMedia(context.Context, proctor.MediaConstraints) (proctor.MediaStream, error) {
	return nil, errors.New("not used")
}
func (fixedEnv) RequestFullscreen(context.Context) error { return nil }
func (fixedEnv) ExitFullscreen(context.Context) error    { return nil }
func (fixedEnv) FullscreenActive() bool                  { return false }
func (fixedEnv) Online() bool                            { return true }

type envelope struct {
	Data       json.RawMessage      `json:"data"`
	Error      *response.ErrorBody  `json:"error"`
	Pagination *response.Pagination `json:"pagination"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestProctorHandler_StudentState(t *testing.T) {
	cfg := testConfig()
	auth := service.NewAuthService(cfg)
	proctors := newProctors(cfg)
	defer proctors.Close()

	h := NewProctorHandler(proctors, &fakeViolations{}, fakeCounts{}, zerolog.Nop())
	r := gin.New()
	g := r.Group("/api/v1/student", middleware.RequireStudentJWT(auth))
	g.GET("/tests/:test_id/proctor", h.GetState)
	g.GET("/tests/:test_id/proctor/violations", h.GetViolations)

	token, err := auth.IssueToken("u1", service.TokenTypeStudent, nil, 0)
	require.NoError(t, err)
	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get("/api/v1/student/tests/t1/proctor")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.ErrSessionNotFound, decode(t, w).Error.Code)

	_, release, err := proctors.Open(context.Background(), service.OpenParams{UserID: "u1", TestID: "t1"}, fixedEnv{}, proctor.Hooks{})
	require.NoError(t, err)
	defer release()

	w = get("/api/v1/student/tests/t1/proctor")
	require.Equal(t, http.StatusOK, w.Code)
	var snap model.SessionSnapshot
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &snap))
	assert.Equal(t, model.StepAgreement, snap.Step)
	assert.Equal(t, "t1", snap.TestID)

	w = get("/api/v1/student/tests/t1/proctor/violations")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(decode(t, w).Data))
}

func TestProctorHandler_ListViolations(t *testing.T) {
	store := &fakeViolations{
		records: []model.ViolationRecord{{TestID: "t1", UserID: "u1", Type: model.ViolationTabSwitch, Severity: model.SeverityCritical}},
		total:   51,
	}
	h := NewProctorHandler(nil, store, fakeCounts{}, zerolog.Nop())
	r := gin.New()
	r.GET("/tests/:test_id/violations", h.ListViolations)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/t1/violations?severity=critical", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "t1", store.gotTestID)
	assert.Equal(t, 1, store.gotQuery.Page)
	assert.Equal(t, 50, store.gotQuery.PerPage)
	assert.Equal(t, "critical", store.gotQuery.Severity)

	env := decode(t, w)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 2, env.Pagination.TotalPages)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/t1/violations?severity=minor", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w).Error.Fields, "severity")

	store.err = errors.New("db down")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/t1/violations", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestProctorHandler_ViolationCounts(t *testing.T) {
	h := NewProctorHandler(nil, &fakeViolations{}, fakeCounts{"tab-switch": 2, "focus-loss": 5}, zerolog.Nop())
	r := gin.New()
	r.GET("/tests/:test_id/users/:user_id/counts", h.GetViolationCounts)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/t1/users/u1/counts", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tab-switch":2,"focus-loss":5}`, string(decode(t, w).Data))
}

func TestProctorHandler_Summary(t *testing.T) {
	proctors := newProctors(testConfig())
	defer proctors.Close()
	_, release, err := proctors.Open(context.Background(), service.OpenParams{UserID: "u1", TestID: "t1"}, fixedEnv{}, proctor.Hooks{})
	require.NoError(t, err)
	defer release()

	h := NewProctorHandler(proctors, &fakeViolations{}, fakeCounts{}, zerolog.Nop())
	r := gin.New()
	r.GET("/tests/:test_id/summary", h.GetSummary)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/t1/summary", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t,
		`{"test_id":"t1","live":1,"in_progress":0,"violations_by_user":{"u1":3},"flagged_users":[]}`,
		string(decode(t, w).Data))
}

type chanFeed chan []byte

func (f chanFeed) Subscribe(ctx context.Context, _ string) (<-chan []byte, func()) {
	return f, func() {}
}

func TestMonitorHandler_ForwardsViolations(t *testing.T) {
	proctors := newProctors(testConfig())
	defer proctors.Close()

	feed := make(chanFeed, 1)
	h := NewMonitorHandler(feed, proctors, zerolog.Nop())
	h.refreshEvery = time.Hour
	h.keepAliveEvery = time.Hour

	r := gin.New()
	r.GET("/tests/:test_id/monitor", h.MonitorTestSSE)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/tests/t1/monitor", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	feed <- []byte(`{"user_id":"u1","test_id":"t1"}`)

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data:") {
			lines = append(lines, line)
		}
		if strings.Contains(line, `"violation"`) {
			break
		}
	}
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"type":"snapshot"`)
	assert.Equal(t, `data: {"type":"violation","data":{"user_id":"u1","test_id":"t1"}}`, lines[1])
}
