package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carelink/vaxbatch/internal/model"
)

// Client is an HTTP implementation of the API interface against the storage
// service's batch endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a Client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type writeRequest struct {
	Record   *model.CanonicalRecord `json:"record"`
	Supplier string                 `json:"supplier"`
	Category string                 `json:"category"`
	PriorKey string                 `json:"priorKey,omitempty"`
}

type writeResponse struct {
	StorageKey string `json:"storageKey"`
	Message    string `json:"message"`
}

// Create stores a new record.
func (c *Client) Create(ctx context.Context, rec *model.CanonicalRecord, supplier, category string) (string, error) {
	return c.do(ctx, http.MethodPost, "/records", writeRequest{Record: rec, Supplier: supplier, Category: category})
}

// Update replaces an existing record, chaining to priorKey when set.
func (c *Client) Update(ctx context.Context, rec *model.CanonicalRecord, supplier, category, priorKey string) (string, error) {
	return c.do(ctx, http.MethodPut, "/records", writeRequest{Record: rec, Supplier: supplier, Category: category, PriorKey: priorKey})
}

// Delete removes an existing record.
func (c *Client) Delete(ctx context.Context, rec *model.CanonicalRecord, supplier, category string) (string, error) {
	return c.do(ctx, http.MethodDelete, "/records", writeRequest{Record: rec, Supplier: supplier, Category: category})
}

func (c *Client) do(ctx context.Context, method, path string, body writeRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call downstream: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read downstream response: %w", err)
	}

	var decoded writeResponse
	if len(data) > 0 {
		// A failed decode on an error status is fine; the status carries the
		// classification.
		_ = json.Unmarshal(data, &decoded)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decoded.StorageKey, nil
	case resp.StatusCode == http.StatusBadRequest:
		return "", fmt.Errorf("%s: %w", decoded.Message, ErrValidation)
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%s: %w", decoded.Message, ErrResourceNotFound)
	case resp.StatusCode == http.StatusConflict:
		return "", fmt.Errorf("%s: %w", decoded.Message, ErrResourceFound)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%s: %w", decoded.Message, ErrIdentifierDuplication)
	default:
		return "", fmt.Errorf("downstream returned status %d: %s", resp.StatusCode, decoded.Message)
	}
}
