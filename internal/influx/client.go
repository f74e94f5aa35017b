// Package influx talks to the InfluxDB 1.x sink. Provisioning goes
// through the official v1 client; the raw write is a plain HTTP
// pass-through because the contract is to forward the caller's body and
// query parameters untouched and mirror the store's response verbatim.
package influx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"feinstaub-publisher/internal/config"
)

// WriteResponse carries the store's verbatim reply to a raw write.
// A 204 status is the store's success marker.
type WriteResponse struct {
	StatusCode  int
	ContentType string
	Body        string
}

type Client struct {
	baseURL  string
	username string
	password string
	query    client.Client
	http     *http.Client
}

// NewClient builds a short-lived store client scoped to one request.
// Callers must Close it on every exit path.
func NewClient(cfg config.Config, username, password string) (*Client, error) {
	addr := fmt.Sprintf("http://%s:%d", cfg.InfluxHost, cfg.InfluxPort)
	qc, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     addr,
		Username: username,
		Password: password,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("influxdb client: %w", err)
	}
	return &Client{
		baseURL:  addr,
		username: username,
		password: password,
		query:    qc,
		http:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *Client) ListDatabases() ([]string, error) {
	resp, err := c.query.Query(client.NewQuery("SHOW DATABASES", "", ""))
	if err != nil {
		return nil, fmt.Errorf("show databases: %w", err)
	}
	if resp.Error() != nil {
		return nil, fmt.Errorf("show databases: %w", resp.Error())
	}

	var names []string
	for _, result := range resp.Results {
		for _, row := range result.Series {
			for _, values := range row.Values {
				if len(values) == 0 {
					continue
				}
				if name, ok := values[0].(string); ok {
					names = append(names, name)
				}
			}
		}
	}
	return names, nil
}

func (c *Client) CreateDatabase(name string) error {
	resp, err := c.query.Query(client.NewQuery(fmt.Sprintf("CREATE DATABASE %q", name), "", ""))
	if err != nil {
		return fmt.Errorf("create database %q: %w", name, err)
	}
	if resp.Error() != nil {
		return fmt.Errorf("create database %q: %w", name, resp.Error())
	}
	return nil
}

// WriteRaw forwards the line-protocol body and the caller's original
// query parameters to the store's write endpoint. The response is
// returned as-is, whatever the status; only transport failures error.
func (c *Client) WriteRaw(ctx context.Context, params url.Values, body []byte) (WriteResponse, error) {
	u := c.baseURL + "/write?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return WriteResponse{}, fmt.Errorf("influxdb write request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return WriteResponse{}, fmt.Errorf("influxdb write: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return WriteResponse{}, fmt.Errorf("influxdb write response: %w", err)
	}
	return WriteResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(b),
	}, nil
}

func (c *Client) Close() error {
	return c.query.Close()
}
