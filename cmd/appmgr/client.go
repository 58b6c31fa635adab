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

// APIClient talks to a running appmgr daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8087/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *APIClient) do(method, path string, body any) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("API error: %s", e.Error)
		}
		return nil, fmt.Errorf("API error: %s", resp.Status)
	}
	return data, nil
}

func (c *APIClient) Get(path string) ([]byte, error) { return c.do(http.MethodGet, path, nil) }

func (c *APIClient) KillBundle(name string) ([]byte, error) {
	return c.do(http.MethodPost, "/bundles/"+url.PathEscape(name)+"/kill", nil)
}

func (c *APIClient) KillPID(pid int, reason string) ([]byte, error) {
	path := fmt.Sprintf("/processes/%d/kill", pid)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(http.MethodPost, path, nil)
}

func (c *APIClient) MemoryLevel(level int) ([]byte, error) {
	return c.do(http.MethodPost, "/memory-level", map[string]int{"level": level})
}

type configurationBody struct {
	Items  map[string]string `json:"items"`
	UserID *int              `json:"user_id,omitempty"`
}

// UpdateConfiguration pushes items to every matching process. A nil userID
// addresses all users.
func (c *APIClient) UpdateConfiguration(items map[string]string, userID *int) ([]byte, error) {
	return c.do(http.MethodPost, "/configuration", configurationBody{Items: items, UserID: userID})
}

// RepairPatch loads or unloads the repair patch of a bundle; hot-reload
// reloads its pages.
func (c *APIClient) RepairPatch(action, bundle string) ([]byte, error) {
	path := "/bundles/" + url.PathEscape(bundle)
	switch action {
	case "load":
		return c.do(http.MethodPost, path+"/repair-patch", nil)
	case "unload":
		return c.do(http.MethodDelete, path+"/repair-patch", nil)
	case "hot-reload":
		return c.do(http.MethodPost, path+"/hot-reload", nil)
	}
	return nil, fmt.Errorf("unknown patch action %q", action)
}

func (c *APIClient) SetIgnoreTimeouts(v bool) ([]byte, error) {
	return c.do(http.MethodPut, "/debug/ignore-timeouts", map[string]bool{"ignore": v})
}
