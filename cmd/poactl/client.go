package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

func queryEscape(s string) string { return url.QueryEscape(s) }

// apiBase is the server's management route prefix.
const apiBase = "/api/poa/v1alpha1"

type poaClient struct {
	baseURL string
	http    *http.Client
}

func newClient() *poaClient {
	return &poaClient{
		baseURL: resolvedServer(),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do performs a request with identity headers and decodes the JSON response
// into v when v is non-nil.
func (c *poaClient) do(method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if actor := resolvedActor(); actor != "" {
		req.Header.Set("X-Remote-User", actor)
	}
	if len(hatsFlag) > 0 {
		req.Header.Set("X-Remote-Hats", strings.Join(hatsFlag, ","))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to architect server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil {
			if errResp.Message != "" {
				return fmt.Errorf("server returned %d: %s", resp.StatusCode, errResp.Message)
			}
			if errResp.Error != "" {
				return fmt.Errorf("server returned %d: %s", resp.StatusCode, errResp.Error)
			}
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *poaClient) getJSON(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

func (c *poaClient) postJSON(path string, body any, v any) error {
	return c.do(http.MethodPost, path, body, v)
}
