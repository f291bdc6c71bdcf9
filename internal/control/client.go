package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ssd-technologies/umbra/internal/catalog"
	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/wire"
)

// APIError is a non-2xx response from the control API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control api: %d %s", e.Status, e.Message)
}

// Client talks to a node's control API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the API at addr, either "host:port" or a
// full URL.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) Identity(ctx context.Context) (Identity, error) {
	var out Identity
	err := c.do(ctx, http.MethodGet, "/api/identity", nil, &out)
	return out, err
}

func (c *Client) Shares(ctx context.Context) ([]catalog.File, error) {
	var out []catalog.File
	err := c.do(ctx, http.MethodGet, "/api/shares", nil, &out)
	return out, err
}

func (c *Client) AddShare(ctx context.Context, path string) (catalog.File, error) {
	var out catalog.File
	err := c.do(ctx, http.MethodPost, "/api/shares", AddShareRequest{Path: path}, &out)
	return out, err
}

func (c *Client) RemoveShare(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/shares/"+url.PathEscape(id), nil, nil)
}

func (c *Client) SetActive(ctx context.Context, id string, active bool) (catalog.File, error) {
	action := "deactivate"
	if active {
		action = "activate"
	}
	var out catalog.File
	err := c.do(ctx, http.MethodPost, "/api/shares/"+url.PathEscape(id)+"/"+action, nil, &out)
	return out, err
}

func (c *Client) SetAdvertise(ctx context.Context, id string, advertise bool) (catalog.File, error) {
	var out catalog.File
	err := c.do(ctx, http.MethodPut, "/api/shares/"+url.PathEscape(id)+"/advertise", AdvertiseRequest{Advertise: &advertise}, &out)
	return out, err
}

func (c *Client) ShareLink(ctx context.Context, id string) (string, error) {
	var out LinkResponse
	err := c.do(ctx, http.MethodGet, "/api/shares/"+url.PathEscape(id)+"/link", nil, &out)
	return out.Link, err
}

func (c *Client) SetAdvertising(ctx context.Context, on bool) error {
	return c.do(ctx, http.MethodPut, "/api/advertising", AdvertisingRequest{Advertising: &on}, nil)
}

func (c *Client) Advertising(ctx context.Context) (bool, error) {
	var out AdvertisingResponse
	err := c.do(ctx, http.MethodGet, "/api/advertising", nil, &out)
	return out.Advertising, err
}

// Downloads lists downloads; since is "", "all", "today" or "session".
func (c *Client) Downloads(ctx context.Context, since string) ([]Download, error) {
	path := "/api/downloads"
	if since != "" {
		path += "?since=" + url.QueryEscape(since)
	}
	var out []Download
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Download(ctx context.Context, id string) (Download, error) {
	var out Download
	err := c.do(ctx, http.MethodGet, "/api/downloads/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Submit(ctx context.Context, link string) (Download, error) {
	var out Download
	err := c.do(ctx, http.MethodPost, "/api/downloads", SubmitRequest{Link: link}, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/downloads/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) RemoveDownload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/downloads/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Explore(ctx context.Context, address string) (registry.ExploreRequest, error) {
	var out registry.ExploreRequest
	err := c.do(ctx, http.MethodPost, "/api/explore", ExploreRequest{Address: address}, &out)
	return out, err
}

func (c *Client) GetExplore(ctx context.Context, id string) (registry.ExploreRequest, error) {
	var out registry.ExploreRequest
	err := c.do(ctx, http.MethodGet, "/api/explore/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Explores(ctx context.Context) ([]registry.ExploreRequest, error) {
	var out []registry.ExploreRequest
	err := c.do(ctx, http.MethodGet, "/api/explore", nil, &out)
	return out, err
}

func (c *Client) Search(ctx context.Context, id, query string) ([]wire.Entry, error) {
	var out []wire.Entry
	err := c.do(ctx, http.MethodGet, "/api/explore/"+url.PathEscape(id)+"/search?q="+url.QueryEscape(query), nil, &out)
	return out, err
}
