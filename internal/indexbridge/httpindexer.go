package indexbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// HTTPIndexer calls a real search backend over HTTP+JSON, following
// services/gateway/internal/clients.StorageClient's shape: a trimmed
// BaseURL, an injectable *http.Client, context-scoped requests.
type HTTPIndexer struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPIndexerFromEnv mirrors StorageClient's NewStorageClientFromEnv
// convention: read INDEX_BASE_URL, default to a local dev address.
func NewHTTPIndexerFromEnv() HTTPIndexer {
	base := strings.TrimSpace(os.Getenv("INDEX_BASE_URL"))
	if base == "" {
		base = "http://localhost:8086"
	}
	return HTTPIndexer{
		BaseURL: strings.TrimRight(base, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c HTTPIndexer) Push(ctx context.Context, d IndexedDoc) error {
	if c.HTTP == nil {
		return errors.New("indexbridge: http client is nil")
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("indexbridge: encode push body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+"/documents/"+url.PathEscape(d.EntityID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("indexbridge: push returned status %d", resp.StatusCode)
	}
	return nil
}

func (c HTTPIndexer) Search(ctx context.Context, query string, offset, count int) (SearchPage, error) {
	if c.HTTP == nil {
		return SearchPage{}, errors.New("indexbridge: http client is nil")
	}
	u, err := url.Parse(c.BaseURL + "/search")
	if err != nil {
		return SearchPage{}, err
	}
	q := u.Query()
	q.Set("q", query)
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return SearchPage{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return SearchPage{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return SearchPage{}, fmt.Errorf("indexbridge: search returned status %d", resp.StatusCode)
	}
	var page SearchPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return SearchPage{}, fmt.Errorf("indexbridge: decode search response: %w", err)
	}
	return page, nil
}

func (c HTTPIndexer) DeleteAll(ctx context.Context) error {
	if c.HTTP == nil {
		return errors.New("indexbridge: http client is nil")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/documents", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("indexbridge: delete-all returned status %d", resp.StatusCode)
	}
	return nil
}
