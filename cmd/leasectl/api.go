package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"leasegate/pkg/api"
)

// apiClient is a thin JSON client for the leasegated HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func addAPIFlags(fs *flag.FlagSet) (server, token *string) {
	server = fs.String("server", getenv("LEASEGATE_URL", "http://localhost:8080"), "leasegated base URL")
	token = fs.String("token", os.Getenv("LEASEGATE_TOKEN"), "bearer token or API key")
	return server, token
}

func newAPIClient(server, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(server, "/"),
		token: token,
		// the server may hold the request for the whole lock timeout
		http: &http.Client{Timeout: timeout + 30*time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		if strings.HasPrefix(c.token, "lg_") {
			req.Header.Set("X-API-Key", c.token)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdLock(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	server, token := addAPIFlags(fs)
	resource := fs.String("resource", "", "resource path, e.g. /locks/deploy")
	maxConcurrency := fs.Int("max-concurrency", 1, "number of concurrent holders")
	timeout := fs.Duration("timeout", 0, "how long to wait, 0 uses the server maximum")
	ephemeral := fs.Bool("ephemeral", false, "tie the lease to the daemon session")
	identifier := fs.String("identifier", "", "lease payload, defaults to the daemon host")
	dryRun := fs.Bool("dry-run", false, "validate only")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := api.AcquireRequest{
		Resource:       *resource,
		MaxConcurrency: maxConcurrency,
		Timeout:        timeout.Seconds(),
		EphemeralLease: *ephemeral,
		Identifier:     *identifier,
		DryRun:         *dryRun,
	}
	var resp api.AcquireResponse
	if err := newAPIClient(*server, *token, *timeout).do(ctx, http.MethodPost, "/api/v1/locks/acquire", req, &resp); err != nil {
		return err
	}
	if err := printJSON(resp); err != nil {
		return err
	}
	if resp.Result != nil && !*resp.Result {
		return exitError{code: 3}
	}
	return nil
}

func cmdUnlock(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("unlock", flag.ContinueOnError)
	server, token := addAPIFlags(fs)
	resource := fs.String("resource", "", "resource path")
	identifier := fs.String("identifier", "", "identifier the lease was acquired with")
	dryRun := fs.Bool("dry-run", false, "validate only")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var resp api.ReleaseResponse
	req := api.ReleaseRequest{Resource: *resource, Identifier: *identifier, DryRun: *dryRun}
	if err := newAPIClient(*server, *token, 0).do(ctx, http.MethodPost, "/api/v1/locks/release", req, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func cmdCancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	server, token := addAPIFlags(fs)
	resource := fs.String("resource", "", "resource path")
	identifier := fs.String("identifier", "", "identifier of the pending lock")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var resp map[string]any
	req := api.CancelRequest{Resource: *resource, Identifier: *identifier}
	if err := newAPIClient(*server, *token, 0).do(ctx, http.MethodPost, "/api/v1/locks/cancel", req, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func cmdHolders(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("holders", flag.ContinueOnError)
	server, token := addAPIFlags(fs)
	resource := fs.String("resource", "", "resource path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var resp map[string]any
	path := "/api/v1/locks/holders?resource=" + url.QueryEscape(*resource)
	if err := newAPIClient(*server, *token, 0).do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func cmdHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	server, token := addAPIFlags(fs)
	resource := fs.String("resource", "", "resource path")
	limit := fs.Int("limit", 50, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var resp map[string]any
	q := url.Values{"resource": {*resource}, "limit": {strconv.Itoa(*limit)}}
	if err := newAPIClient(*server, *token, 0).do(ctx, http.MethodGet, "/api/v1/locks/history?"+q.Encode(), nil, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
