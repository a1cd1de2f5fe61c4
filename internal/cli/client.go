package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/grabd/grabd/internal/apiserver"
	"github.com/grabd/grabd/internal/config"
)

// daemonClient talks to a running 'grabd serve' daemon's management API.
type daemonClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newDaemonClient() *daemonClient {
	cfg := config.LoadOrDefault()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return &daemonClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		apiKey:  cfg.Server.APIKey,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *daemonClient) do(method, path string, out *apiserver.Response) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach daemon at %s (is 'grabd serve' running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *daemonClient) listJobs() (*apiserver.Response, error) {
	var resp apiserver.Response
	if err := c.do(http.MethodGet, "/api/jobs", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *daemonClient) jobAction(id, action string) (*apiserver.Response, error) {
	var resp apiserver.Response
	if err := c.do(http.MethodPost, "/api/jobs/"+id+"/"+action, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *daemonClient) schedulerAction(action string) (*apiserver.Response, error) {
	var resp apiserver.Response
	if err := c.do(http.MethodPost, "/api/scheduler/"+action, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *daemonClient) clearTerminal() (*apiserver.Response, error) {
	var resp apiserver.Response
	if err := c.do(http.MethodDelete, "/api/jobs", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
