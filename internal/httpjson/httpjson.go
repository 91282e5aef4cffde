// Package httpjson holds the JSON request and response helpers shared by the
// HTTP services.
package httpjson

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes caps request bodies read by Decode.
const MaxBodyBytes = 1 << 20

// ErrorBody is the shape of every error response.
type ErrorBody struct {
	Detail string `json:"detail"`
}

// Write encodes v as the JSON response body with the given status.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes an ErrorBody with the given status.
func Error(w http.ResponseWriter, status int, detail string) {
	Write(w, status, ErrorBody{Detail: detail})
}

// Decode reads a JSON request body into v, rejecting bodies over MaxBodyBytes.
func Decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// ReadError extracts the detail of an error response, falling back to the status text.
func ReadError(resp *http.Response) string {
	var body ErrorBody
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err == nil && json.Unmarshal(data, &body) == nil && body.Detail != "" {
		return body.Detail
	}
	return http.StatusText(resp.StatusCode)
}
