package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lexgrid/lexgrid/internal/config"
	"github.com/lexgrid/lexgrid/internal/metrics"
)

// HTTPExecutor calls a remote research executor service over HTTP.
type HTTPExecutor struct {
	url    string
	client *http.Client
}

// NewHTTPExecutor creates an HTTPExecutor from config.
func NewHTTPExecutor(cfg config.ExecutorConfig) *HTTPExecutor {
	return &HTTPExecutor{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type executeResponse struct {
	Success    bool       `json:"success"`
	Response   string     `json:"response"`
	Citations  []Citation `json:"citations"`
	TokensUsed int        `json:"tokens_used"`
	Error      string     `json:"error"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	metrics.ExecutorDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("calling executor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding executor response: %w", err)
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "executor reported failure"
		}
		return nil, errors.New(out.Error)
	}

	return &Result{
		Response:   out.Response,
		Citations:  out.Citations,
		TokensUsed: out.TokensUsed,
		Duration:   time.Since(start),
	}, nil
}
