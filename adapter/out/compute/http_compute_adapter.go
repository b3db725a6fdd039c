// Package compute implements the client for the async summarization
// endpoint.
package compute

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/httputil"
)

// HTTPComputeAdapter implements out.ComputePort against the serverless
// compute endpoint. Run returns the external id without waiting; results
// arrive through Status polling.
type HTTPComputeAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPComputeAdapter creates the compute client.
func NewHTTPComputeAdapter(baseURL, apiKey string) *HTTPComputeAdapter {
	return &HTTPComputeAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httputil.NewClient(httputil.ComputeClientConfig()),
	}
}

type runRequest struct {
	Input computeInput `json:"input"`
}

type computeInput struct {
	Prompt string `json:"prompt"`
}

// Run submits input to POST /run and returns {id, status}.
func (a *HTTPComputeAdapter) Run(ctx context.Context, input string) (*out.ComputeJobStatus, error) {
	payload, err := json.Marshal(runRequest{Input: computeInput{Prompt: input}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/run", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req)
}

// Status fetches GET /status/{id}.
func (a *HTTPComputeAdapter) Status(ctx context.Context, externalID string) (*out.ComputeJobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/status/"+externalID, nil)
	if err != nil {
		return nil, err
	}
	return a.do(req)
}

func (a *HTTPComputeAdapter) do(req *http.Request) (*out.ComputeJobStatus, error) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := httputil.DoWithContext(req.Context(), a.client, req)
	if err != nil {
		return nil, apperr.ExternalError("compute", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.ExternalError("compute", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.NotFound("compute job")
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, apperr.New("COMPUTE_AUTH_FAILED",
			"compute endpoint rejected credentials", apperr.KindPermanent, resp.StatusCode)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.New("COMPUTE_UNAVAILABLE",
			fmt.Sprintf("compute endpoint returned %d", resp.StatusCode), apperr.KindTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, apperr.New("COMPUTE_BAD_REQUEST",
			fmt.Sprintf("compute endpoint returned %d: %s", resp.StatusCode, truncate(body, 256)), apperr.KindPermanent, resp.StatusCode)
	}

	var status out.ComputeJobStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, apperr.ExternalError("compute", err)
	}
	if status.ID == "" {
		return nil, apperr.MalformedRecord("compute response missing job id")
	}
	return &status, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
