package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
)

type customerPage struct {
	Customers  []CustomerEvent `json:"customers"`
	NextCursor string          `json:"next_cursor"`
}

// DirectoryClient читает справочник клиентов платформы по HTTP.
type DirectoryClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

// NewDirectoryClient создаёт клиента справочника.
func NewDirectoryClient(baseURL, token string, timeout time.Duration) *DirectoryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DirectoryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Lookup возвращает актуальную запись клиента.
func (c *DirectoryClient) Lookup(ctx context.Context, customerID string) (domain.DirectoryEntry, error) {
	var event CustomerEvent
	status, err := c.get(ctx, "/customers/"+url.PathEscape(customerID), &event)
	if err != nil {
		return domain.DirectoryEntry{}, err
	}
	if status == http.StatusNotFound {
		return domain.DirectoryEntry{}, domain.ErrCustomerNotFound
	}
	return c.entry(event)
}

// List возвращает страницу справочника начиная с cursor.
func (c *DirectoryClient) List(ctx context.Context, cursor string, limit int) (domain.DirectoryPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/customers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page customerPage
	status, err := c.get(ctx, path, &page)
	if err != nil {
		return domain.DirectoryPage{}, err
	}
	if status == http.StatusNotFound {
		return domain.DirectoryPage{}, fmt.Errorf("%w: customers listing not found", domain.ErrDirectoryUnavailable)
	}

	out := domain.DirectoryPage{
		Entries:    make([]domain.DirectoryEntry, 0, len(page.Customers)),
		NextCursor: page.NextCursor,
	}
	for _, event := range page.Customers {
		entry, err := c.entry(event)
		if err != nil {
			return domain.DirectoryPage{}, err
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

func (c *DirectoryClient) entry(event CustomerEvent) (domain.DirectoryEntry, error) {
	if err := Validate(event); err != nil {
		return domain.DirectoryEntry{}, fmt.Errorf("directory customer %q: %w", event.ID, err)
	}
	now := c.now()
	return domain.DirectoryEntry{
		Customer: event.Customer(now),
		Profile:  event.Profile(now),
	}, nil
}

// get выполняет запрос; 404 возвращается статусом, остальные ошибки как ErrDirectoryUnavailable.
func (c *DirectoryClient) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("directory: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, nil
	case resp.StatusCode != http.StatusOK:
		return resp.StatusCode, fmt.Errorf("%w: directory returned %d", domain.ErrDirectoryUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: decode response: %v", domain.ErrDirectoryUnavailable, err)
	}
	return resp.StatusCode, nil
}

var _ domain.CustomerDirectory = (*DirectoryClient)(nil)
