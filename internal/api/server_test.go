package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoga-protocol-server/internal/domain"
)

type fakeService struct {
	result     *domain.RecommendationResult
	summary    string
	err        error
	trialCalls int
	lastBefore *domain.Trial
	lastAfter  *domain.Trial
}

func (f *fakeService) Recommend(ctx context.Context, names []string) (*domain.RecommendationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeService) Summarize(ctx context.Context, names []string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func (f *fakeService) OnTrialChange(ctx context.Context, before, after *domain.Trial) error {
	f.trialCalls++
	f.lastBefore, f.lastAfter = before, after
	return f.err
}

func (f *fakeService) VerifyEvidenceCounts(ctx context.Context) (int, error) {
	return 3, f.err
}

type fakeHealth struct{ err error }

func (f *fakeHealth) Health(ctx context.Context) error { return f.err }

func newTestServer(svc RecommendationService, health HealthChecker) *Server {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &domain.Config{}
	cfg.Server.RequestsPerSecond = 1000
	cfg.Server.RequestBurst = 1000
	cfg.Logging.Level = "info"

	return NewServer(cfg, svc, health, logger)
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHandleRecommend(t *testing.T) {
	svc := &fakeService{result: &domain.RecommendationResult{Conditions: []string{"Depression"}}}
	srv := newTestServer(svc, nil)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/recommendations",
		map[string]interface{}{"conditions": []string{"Depression"}})

	require.Equal(t, http.StatusOK, w.Code)
	var got domain.RecommendationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []string{"Depression"}, got.Conditions)
}

func TestHandleRecommendBadBody(t *testing.T) {
	srv := newTestServer(&fakeService{}, nil)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/recommendations", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "unknown condition",
			err:  &domain.UnknownConditionError{Names: []string{"Depresion"}},
			want: http.StatusNotFound,
		},
		{
			name: "ambiguous condition",
			err:  &domain.AmbiguousConditionError{Name: "depress", Candidates: []string{"Depression", "Depressive Episode"}},
			want: http.StatusBadRequest,
		},
		{
			name: "empty condition set",
			err:  &domain.InvalidCombinationSizeError{},
			want: http.StatusBadRequest,
		},
		{
			name: "internal failure",
			err:  errors.New("connection refused"),
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeService{err: tt.err}, nil)
			w := doJSON(t, srv, http.MethodPost, "/api/v1/recommendations",
				map[string]interface{}{"conditions": []string{"x"}})
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestInternalErrorBodyIsOpaque(t *testing.T) {
	srv := newTestServer(&fakeService{err: errors.New("password=hunter2 failed")}, nil)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/recommendations",
		map[string]interface{}{"conditions": []string{"x"}})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestHandleSummary(t *testing.T) {
	svc := &fakeService{summary: "Yoga Therapy Recommendations for: Depression\n"}
	srv := newTestServer(svc, nil)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/recommendations/summary?condition=Depression", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["summary"], "Yoga Therapy Recommendations")
}

func TestHandleTrialEvent(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc, nil)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/trials/events", map[string]interface{}{
		"after": map[string]interface{}{
			"id":            1,
			"title":         "RCT",
			"condition_ids": []int64{1},
		},
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, svc.trialCalls)
	assert.Nil(t, svc.lastBefore)
	require.NotNil(t, svc.lastAfter)
	assert.Equal(t, int64(1), svc.lastAfter.ID)
}

func TestHandleTrialEventRequiresSnapshot(t *testing.T) {
	srv := newTestServer(&fakeService{}, nil)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/trials/events", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleVerifyEvidence(t *testing.T) {
	srv := newTestServer(&fakeService{}, nil)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/evidence/verify", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body["corrected"])
}

func TestHandleHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := newTestServer(&fakeService{}, &fakeHealth{})
		w := doJSON(t, srv, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unhealthy store", func(t *testing.T) {
		srv := newTestServer(&fakeService{}, &fakeHealth{err: errors.New("down")})
		w := doJSON(t, srv, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
