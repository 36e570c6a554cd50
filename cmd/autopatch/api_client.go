package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultClientTimeout bounds ordinary API calls.
const DefaultClientTimeout = 10 * time.Second

var apiClient = &http.Client{Timeout: DefaultClientTimeout}

// longClient serves calls that wait on the engine, such as exec and recover.
var longClient = &http.Client{Timeout: 5 * time.Minute}

// apiError is a non-2xx API response.
type apiError struct {
	Status int
	Body   []byte
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, bytes.TrimSpace(e.Body))
}

// call sends one request to the daemon. On a non-2xx status the body is
// returned together with an *apiError so callers can decode structured
// failures such as a busy ticket.
func call(client *http.Client, method, path string, data interface{}) ([]byte, error) {
	var reader io.Reader = http.NoBody
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, apiAddr+path, reader)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return body, &apiError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}

func apiGet(path string) ([]byte, error) {
	body, err := call(apiClient, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func apiPost(client *http.Client, path string, data interface{}) ([]byte, error) {
	return call(client, http.MethodPost, path, data)
}

// HealthResponse mirrors the daemon's /health payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Phase   string `json:"phase"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// CheckHealth returns the parsed payload even when the daemon reports itself
// unhealthy, so callers can show which part failed.
func CheckHealth() (*HealthResponse, error) {
	body, err := call(apiClient, http.MethodGet, "/health", nil)
	if body == nil && err != nil {
		return nil, err
	}
	var health HealthResponse
	if jerr := json.Unmarshal(body, &health); jerr != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", jerr)
	}
	return &health, err
}
