package httpjson

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusConflict, "task t is completed")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"detail": "task t is completed"}`, rec.Body.String())
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "valid body", body: `{"amount": 12345678901234567890}`},
		{name: "empty body", body: "", wantErr: "request body is empty"},
		{name: "malformed body", body: `{"amount":`, wantErr: "decode request body"},
		{name: "oversized body", body: `{"pad": "` + strings.Repeat("x", MaxBodyBytes) + `"}`, wantErr: "request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var out map[string]any
			err := Decode(httptest.NewRecorder(), req, &out)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, json.Number("12345678901234567890"), out["amount"])
		})
	}
}

func TestReadError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "detail body", status: http.StatusServiceUnavailable, body: `{"detail":"ledger offline"}`, want: "ledger offline"},
		{name: "plain text body", status: http.StatusBadGateway, body: "upstream died", want: "Bad Gateway"},
		{name: "empty detail", status: http.StatusInternalServerError, body: `{"detail":""}`, want: "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Body: io.NopCloser(strings.NewReader(tt.body))}
			assert.Equal(t, tt.want, ReadError(resp))
		})
	}
}
