package party

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// defaultRequestTimeout bounds directory lookups; the guard runs before any
// model work and must not stall the stream.
const defaultRequestTimeout = 5 * time.Second

// HTTPDirectory resolves parties against the practice-management system's
// REST API.
type HTTPDirectory struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPDirectory creates a directory client for the given base URL
// (for example "https://pm.example.com/api/v1").
func NewHTTPDirectory(baseURL string) (*HTTPDirectory, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("directory base URL is required")
	}
	return &HTTPDirectory{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}, nil
}

// Get implements Directory.
func (d *HTTPDirectory) Get(ctx context.Context, id string) (*Party, error) {
	return d.fetch(ctx, d.baseURL+"/parties/"+url.PathEscape(id))
}

// FindByName implements Directory.
func (d *HTTPDirectory) FindByName(ctx context.Context, name string) (*Party, error) {
	return d.fetch(ctx, d.baseURL+"/parties?name="+url.QueryEscape(name))
}

func (d *HTTPDirectory) fetch(ctx context.Context, rawURL string) (*Party, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying party directory: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("party directory returned status %d", resp.StatusCode)
	}

	var p Party
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding party response: %w", err)
	}
	if p.ID == "" {
		return nil, ErrNotFound
	}
	return &p, nil
}
