package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rymfhm/qubic/internal/httpjson"
	"github.com/rymfhm/qubic/internal/models"
)

// HTTPClient is a Client for a remote ledger service.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the ledger service at baseURL. Every
// request is bounded by timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type writeRequest struct {
	Hash     string         `json:"hash"`
	Metadata map[string]any `json:"metadata"`
}

// Write submits hash and metadata to the ledger.
func (c *HTTPClient) Write(ctx context.Context, hash string, metadata map[string]any) (Receipt, error) {
	body, err := json.Marshal(writeRequest{Hash: hash, Metadata: metadata})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal ledger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/write", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("create ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var receipt Receipt
	if err := c.do(req, "write", &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Verify asks the ledger whether hash is anchored.
func (c *HTTPClient) Verify(ctx context.Context, hash string) (Verification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/verify/"+url.PathEscape(hash), nil)
	if err != nil {
		return Verification{}, fmt.Errorf("create ledger request: %w", err)
	}

	var v Verification
	if err := c.do(req, "verify", &v); err != nil {
		return Verification{}, err
	}
	return v, nil
}

// Transaction fetches a ledger entry by transaction id.
func (c *HTTPClient) Transaction(ctx context.Context, txid string) (*models.LedgerEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tx/"+url.PathEscape(txid), nil)
	if err != nil {
		return nil, fmt.Errorf("create ledger request: %w", err)
	}

	var entry models.LedgerEntry
	if err := c.do(req, "tx", &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *HTTPClient) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.NewCollaboratorError("ledger", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("ledger %s: %s: %w", op, httpjson.ReadError(resp), models.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.NewCollaboratorError("ledger", op,
			fmt.Errorf("status %d: %s", resp.StatusCode, httpjson.ReadError(resp)))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return models.NewCollaboratorError("ledger", op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Logger is the logging the ledger service needs.
type Logger interface {
	LogDebug(message string)
	LogError(message string)
}

// NewHandler serves l as the ledger HTTP service:
//
//	POST /write         {hash, metadata} -> {txid, hash, timestamp}
//	GET  /verify/{hash} -> {hash, verified, txid?, timestamp?}
//	GET  /tx/{txid}     -> ledger entry
//	GET  /health
func NewHandler(l *Local, log Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /write", func(w http.ResponseWriter, r *http.Request) {
		var req writeRequest
		if err := httpjson.Decode(w, r, &req); err != nil {
			httpjson.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		receipt, err := l.Write(r.Context(), req.Hash, req.Metadata)
		if err != nil {
			if models.IsValidationError(err) {
				httpjson.Error(w, http.StatusBadRequest, err.Error())
				return
			}
			log.LogError(fmt.Sprintf("ledger write failed: %v", err))
			httpjson.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.LogDebug(fmt.Sprintf("ledger anchored %s as %s", receipt.Hash, receipt.TxID))
		httpjson.Write(w, http.StatusOK, receipt)
	})

	mux.HandleFunc("GET /verify/{hash}", func(w http.ResponseWriter, r *http.Request) {
		v, err := l.Verify(r.Context(), r.PathValue("hash"))
		if err != nil {
			httpjson.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpjson.Write(w, http.StatusOK, v)
	})

	mux.HandleFunc("GET /tx/{txid}", func(w http.ResponseWriter, r *http.Request) {
		entry, err := l.Transaction(r.Context(), r.PathValue("txid"))
		if models.IsNotFound(err) {
			httpjson.Error(w, http.StatusNotFound, "Transaction not found")
			return
		}
		if err != nil {
			httpjson.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpjson.Write(w, http.StatusOK, entry)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httpjson.Write(w, http.StatusOK, map[string]string{"status": "healthy", "service": "ledger"})
	})

	return mux
}
