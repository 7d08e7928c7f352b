package main

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

	"github.com/hochfrequenz/worktree-orchestrator/internal/config"
	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// remote talks to the HTTP API of a running 'serve' process
type remote struct {
	base string
	http *http.Client
}

func newRemote(addr string) *remote {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &remote{base: strings.TrimRight(addr, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

// serverAddr returns the --server flag or the configured listen address.
func serverAddr(cfg *config.Config) string {
	if addr, _ := rootCmd.PersistentFlags().GetString("server"); addr != "" {
		return addr
	}
	host := cfg.Web.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Web.Port)
}

func (r *remote) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", r.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", apiErr.Error, domain.ErrNotFound)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *remote) startRun(ctx context.Context, spec *domain.RunSpec) (*domain.Run, error) {
	var run domain.Run
	if err := r.do(ctx, http.MethodPost, "/api/runs", spec, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *remote) cancelRun(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// streamURL is the websocket endpoint for one run.
func (r *remote) streamURL(id string) string {
	u := r.base + "/api/runs/" + url.PathEscape(id) + "/ws"
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}
