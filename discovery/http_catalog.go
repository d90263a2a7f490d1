package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// HTTPCatalog queries an npm-style package registry over its search API
// (GET {base}/-/v1/search?text=...). The response shape it depends on is
// the minimal contract: name, version, description, keywords, a 0..1
// popularity score, and a last-updated date.
type HTTPCatalog struct {
	name    string
	baseURL string
	client  *http.Client
	size    int
}

// npmSearchResponse mirrors the registry search payload.
type npmSearchResponse struct {
	Objects []struct {
		Package struct {
			Name        string   `json:"name"`
			Version     string   `json:"version"`
			Description string   `json:"description"`
			Keywords    []string `json:"keywords"`
			Date        string   `json:"date"`
		} `json:"package"`
		Score struct {
			Final  float64 `json:"final"`
			Detail struct {
				Popularity float64 `json:"popularity"`
			} `json:"detail"`
		} `json:"score"`
	} `json:"objects"`
}

// NewHTTPCatalog creates a catalog client for baseURL with the given
// request timeout. Outbound requests are traced via otelhttp.
func NewHTTPCatalog(name, baseURL string, timeout time.Duration) *HTTPCatalog {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCatalog{
		name:    name,
		baseURL: baseURL,
		size:    25,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name identifies the catalog.
func (c *HTTPCatalog) Name() string { return c.name }

// Search runs one registry search for term.
func (c *HTTPCatalog) Search(ctx context.Context, term string) ([]Entry, error) {
	endpoint := fmt.Sprintf("%s/-/v1/search?text=%s&size=%d", c.baseURL, url.QueryEscape(term), c.size)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, core.NewError(core.CodeCatalogFailed, "discovery.HTTPCatalog.Search",
			fmt.Errorf("catalog %s returned status %d", c.name, resp.StatusCode))
	}

	var parsed npmSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("catalog %s: decode response: %w", c.name, err)
	}

	entries := make([]Entry, 0, len(parsed.Objects))
	for _, obj := range parsed.Objects {
		updated, _ := time.Parse(time.RFC3339, obj.Package.Date)
		entries = append(entries, Entry{
			Name:        obj.Package.Name,
			Version:     obj.Package.Version,
			Description: obj.Package.Description,
			Keywords:    obj.Package.Keywords,
			Popularity:  clamp01(obj.Score.Detail.Popularity),
			LastUpdated: updated,
		})
	}
	return entries, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
