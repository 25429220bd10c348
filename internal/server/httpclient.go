package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/lesionseg/internal/httputil"
)

// HTTPClient posts clouds to a remote /predict endpoint.
type HTTPClient struct {
	BaseURL string
	Doer    httputil.Doer
}

// NewHTTPClient targets baseURL, e.g. "http://localhost:8080". A nil doer
// uses http.DefaultClient.
func NewHTTPClient(baseURL string, doer httputil.Doer) *HTTPClient {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), Doer: doer}
}

// Predict sends an .npz body and returns the label bytes and the lesion
// count reported by the server.
func (c *HTTPClient) Predict(ctx context.Context, body []byte, source string) ([]byte, int, error) {
	u := c.BaseURL + "/predict"
	if source != "" {
		u += "?source=" + url.QueryEscape(source)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.Doer.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("predict request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxRequestBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("reading predict response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, 0, fmt.Errorf("predict: %s: %s", resp.Status, e.Error)
		}
		return nil, 0, fmt.Errorf("predict: %s", resp.Status)
	}
	lesion, err := strconv.Atoi(resp.Header.Get(LesionPointsHeader))
	if err != nil {
		return nil, 0, fmt.Errorf("predict: bad %s header: %w", LesionPointsHeader, err)
	}
	return data, lesion, nil
}
