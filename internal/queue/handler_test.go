package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexgrid/lexgrid/internal/research"
)

func setupHandler(t *testing.T) (*Handler, *poolFixture) {
	t.Helper()
	f := setupPool(t, testQueueConfig(), generousRateConfig())
	return NewHandler(f.svc), f
}

func submitBody(t *testing.T, mods func(*SubmitRequest)) *bytes.Buffer {
	t.Helper()
	req := SubmitRequest{
		Query:        "What are the elements of promissory estoppel?",
		Mode:         research.ModeStandard,
		Jurisdiction: "US-CA",
		SubjectID:    uuid.NewString(),
	}
	if mods != nil {
		mods(&req)
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewBuffer(data)
}

func TestHandlerSubmit_Accepted(t *testing.T) {
	h, f := setupHandler(t)

	rec := httptest.NewRecorder()
	h.Submit(rec, httptest.NewRequest(http.MethodPost, "/api/v1/research", submitBody(t, nil)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID, err := uuid.Parse(resp.Data["job_id"])
	require.NoError(t, err)

	st, err := f.svc.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, st.State)
	assert.Equal(t, research.ModeStandard, st.Mode)
}

func TestHandlerSubmit_Validation(t *testing.T) {
	h, _ := setupHandler(t)

	cases := []struct {
		name string
		mods func(*SubmitRequest)
	}{
		{"empty query", func(r *SubmitRequest) { r.Query = "" }},
		{"query too short", func(r *SubmitRequest) { r.Query = "ab" }},
		{"unknown mode", func(r *SubmitRequest) { r.Mode = "exhaustive" }},
		{"missing jurisdiction", func(r *SubmitRequest) { r.Jurisdiction = "" }},
		{"bad subject id", func(r *SubmitRequest) { r.SubjectID = "not-a-uuid" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Submit(rec, httptest.NewRequest(http.MethodPost, "/api/v1/research", submitBody(t, tc.mods)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandlerSubmit_MalformedBody(t *testing.T) {
	h, _ := setupHandler(t)

	rec := httptest.NewRecorder()
	h.Submit(rec, httptest.NewRequest(http.MethodPost, "/api/v1/research", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func statusRequest(jobID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/research/"+jobID, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("jobID", jobID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandlerGetStatus(t *testing.T) {
	h, f := setupHandler(t)

	jobID, err := f.svc.Submit(f.ctx, "duty to mitigate damages", research.ModeQuick, "US-NY", uuid.New())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.GetStatus(rec, statusRequest(jobID.String()))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, jobID, resp.Data.ID)
	assert.Equal(t, JobQueued, resp.Data.State)
}

func TestHandlerGetStatus_NotFound(t *testing.T) {
	h, _ := setupHandler(t)

	rec := httptest.NewRecorder()
	h.GetStatus(rec, statusRequest(uuid.NewString()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerGetStatus_BadID(t *testing.T) {
	h, _ := setupHandler(t)

	rec := httptest.NewRecorder()
	h.GetStatus(rec, statusRequest("not-a-uuid"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerGetMetrics(t *testing.T) {
	h, f := setupHandler(t)

	_, err := f.svc.Submit(f.ctx, "implied warranty of habitability", research.ModeQuick, "US-NY", uuid.New())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.GetMetrics(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research/queue/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data Metrics `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Waiting)
}
