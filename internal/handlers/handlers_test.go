package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuclearlighters/workspace-manager/internal/models"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.BadRequestf("bad name"), http.StatusBadRequest},
		{models.NotFoundf("no such workspace"), http.StatusNotFound},
		{models.Conflictf("taken"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

		assert.Equal(t, tt.status, rec.Code)
		var report models.ErrorReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, tt.status, report.StatusCode)
		assert.Equal(t, tt.err.Error(), report.Message)
		assert.Empty(t, report.Causes)
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"w"}`))
	require.NoError(t, decodeJSON(req, &v))
	assert.Equal(t, "w", v.Name)

	for _, body := range []string{"", `{"name":1}`, `{"other":"x"}`, `{`} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := decodeJSON(req, &v)
		assert.Equal(t, http.StatusBadRequest, models.StatusCode(err), "body %q", body)
	}
}

func TestPageFrom(t *testing.T) {
	page, err := pageFrom(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 0, page.Offset)
	assert.Equal(t, 10, page.Limit)

	page, err = pageFrom(httptest.NewRequest(http.MethodGet, "/?offset=20&limit=5", nil))
	require.NoError(t, err)
	assert.Equal(t, 20, page.Offset)
	assert.Equal(t, 5, page.Limit)

	_, err = pageFrom(httptest.NewRequest(http.MethodGet, "/?offset=x", nil))
	assert.Equal(t, http.StatusBadRequest, models.StatusCode(err))
}

func TestAsyncStatus(t *testing.T) {
	assert.Equal(t, http.StatusAccepted, asyncStatus(models.JobReport{Status: models.JobRunning}))
	assert.Equal(t, http.StatusOK, asyncStatus(models.JobReport{Status: models.JobFailed}))
}
