package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	shortTimeout   = 5 * time.Second
)

// StatusError carries the upstream HTTP status and parsed body of a failed
// service call, so handlers can relay the original status to the browser.
type StatusError struct {
	Service string
	Status  int
	Message string
	Body    map[string]interface{}
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %d %s", e.Service, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Service, e.Status)
}

// HTTPStatus returns the status to relay for err, or 502 for transport errors.
func HTTPStatus(err error) int {
	if se, ok := err.(*StatusError); ok {
		return se.Status
	}
	return http.StatusBadGateway
}

// httpClient wraps one upstream service endpoint.
type httpClient struct {
	name    string
	baseURL string
	client  *http.Client
}

func newHTTPClient(name, baseURL string, timeout time.Duration) *httpClient {
	return &httpClient{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// doJSON issues a request with an optional JSON body and decodes the JSON
// response into out (when out is non-nil). Non-2xx responses become a
// *StatusError with the parsed error body attached.
func (c *httpClient) doJSON(ctx context.Context, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.name, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Service: c.name, Status: resp.StatusCode}
		if json.Unmarshal(data, &se.Body) == nil {
			if msg, ok := se.Body["message"].(string); ok {
				se.Message = msg
			} else if msg, ok := se.Body["error"].(string); ok {
				se.Message = msg
			}
		}
		if se.Message == "" && len(data) > 0 && len(data) < 256 {
			se.Message = string(data)
		}
		return se
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return nil
}
