package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/autopatch/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// execTimeout leaves room for a snippet that runs up to the server-side limit.
const execTimeout = 2 * time.Minute

// Client wraps HTTP calls to the autopatch API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// APIError is a non-2xx response. Body holds the server's message.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, strings.TrimSpace(e.Body))
}

// Status fetches the engine state
func (c *Client) Status() (*models.EngineState, error) {
	var st models.EngineState
	if err := c.get("/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RequestUpdate starts an update from a source descriptor. A busy engine
// returns the busy ticket together with an *APIError.
func (c *Client) RequestUpdate(source string, override bool) (*models.Ticket, error) {
	body := map[string]interface{}{
		"source":   source,
		"override": override,
	}
	var t models.Ticket
	resp, err := c.post("/updates", body, c.httpClient)
	if len(resp) > 0 && json.Unmarshal(resp, &t) == nil && t.ID != "" {
		return &t, err
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("unexpected response: %s", resp)
}

// Ticket fetches an update ticket
func (c *Client) Ticket(id string) (*models.Ticket, error) {
	var t models.Ticket
	if err := c.get("/updates/"+id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Tickets lists recent update tickets
func (c *Client) Tickets(limit int) ([]models.Ticket, error) {
	var ts []models.Ticket
	if err := c.get(fmt.Sprintf("/updates?limit=%d", limit), &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// Cancel cancels the running update
func (c *Client) Cancel() error {
	_, err := c.post("/updates/cancel", nil, c.httpClient)
	return err
}

// Exec runs code on the daemon
func (c *Client) Exec(code, runtime string, mode models.ExecMode, timeout time.Duration) (*models.ExecutionResult, error) {
	body := map[string]interface{}{
		"code":       code,
		"runtime":    runtime,
		"mode":       string(mode),
		"timeout_ms": timeout.Milliseconds(),
	}
	resp, err := c.post("/exec", body, &http.Client{Timeout: execTimeout})
	if err != nil {
		return nil, err
	}
	var res models.ExecutionResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Snapshots lists snapshots, newest first
func (c *Client) Snapshots() ([]models.Snapshot, error) {
	var snaps []models.Snapshot
	if err := c.get("/snapshots", &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// CreateSnapshot captures the tree
func (c *Client) CreateSnapshot() (*models.Snapshot, error) {
	resp, err := c.post("/snapshots", nil, c.httpClient)
	if err != nil {
		return nil, err
	}
	var snap models.Snapshot
	if err := json.Unmarshal(resp, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Diff lists paths where the tree differs from a snapshot
func (c *Client) Diff(id string) ([]string, error) {
	var resp struct {
		Paths []string `json:"paths"`
	}
	if err := c.get("/snapshots/"+id+"/diff", &resp); err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

// Recover restores a snapshot and leaves FAILED. An empty id uses the
// current snapshot.
func (c *Client) Recover(id string) (*models.EngineState, error) {
	if id == "" {
		id = "current"
	}
	resp, err := c.post("/snapshots/"+id+"/recover", nil, &http.Client{Timeout: execTimeout})
	if err != nil {
		return nil, err
	}
	var st models.EngineState
	if err := json.Unmarshal(resp, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Prune removes archived snapshots beyond retention; zero uses the daemon's setting
func (c *Client) Prune(retention int) (int, error) {
	resp, err := c.post("/snapshots/prune", map[string]int{"retention": retention}, c.httpClient)
	if err != nil {
		return 0, err
	}
	var result struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	return result.Removed, nil
}

// Chat sends a prompt to the daemon's assistant
func (c *Client) Chat(prompt string) (string, error) {
	resp, err := c.post("/chat", map[string]string{"prompt": prompt}, &http.Client{Timeout: execTimeout})
	if err != nil {
		return "", err
	}
	var result struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	return result.Reply, nil
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return json.Unmarshal(body, out)
}

// post returns the body even on an error status so callers can decode
// structured failures such as busy tickets.
func (c *Client) post(path string, data interface{}, hc *http.Client) ([]byte, error) {
	var reader io.Reader = http.NoBody
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(jsonData)
	}

	resp, err := hc.Post(c.baseURL+path, "application/json", reader)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return body, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}
