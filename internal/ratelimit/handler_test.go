package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusRequest(subjectID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/limits/"+subjectID, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("subjectID", subjectID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestGetStatus(t *testing.T) {
	l, _ := setupLimiter(t, generousConfig())
	subjectID := uuid.New()
	require.NoError(t, l.Check(context.Background(), subjectID, Cost{InferenceTokens: 4_000, InferenceRequests: 1}))

	rec := httptest.NewRecorder()
	NewHandler(l).GetStatus(rec, statusRequest(subjectID.String()))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []WindowStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 4)

	for _, s := range resp.Data {
		if s.Resource == ResourceInferenceTokensMinute {
			assert.Equal(t, 4_000, s.Used)
			assert.Equal(t, 76_000, s.Remaining)
		}
	}
}

func TestGetStatus_BadID(t *testing.T) {
	l, _ := setupLimiter(t, generousConfig())

	rec := httptest.NewRecorder()
	NewHandler(l).GetStatus(rec, statusRequest("not-a-uuid"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
