package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"worker-dispatch/internal/domain"
)

const (
	// NextContentTypeHeader on the endpoint's reply chains the request.
	NextContentTypeHeader = "X-Next-Content-Type"
	maxResponseBytes      = 16 << 20
)

var errServer = errors.New("5xx server error")

type httpProcessor struct {
	client     *http.Client
	url        string
	maxRetries int
	backoff    time.Duration
}

// NewHttpProcessor creates a processor that POSTs each payload to url,
// retrying timeouts and 5xx replies up to maxRetries times.
func NewHttpProcessor(url string, timeout time.Duration, maxRetries int, backoff time.Duration) domain.Processor {
	return &httpProcessor{
		client: &http.Client{
			Timeout: timeout,
		},
		url:        url,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

func (p *httpProcessor) Process(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error) {
	var lastErr error
	for i := 0; i <= p.maxRetries; i++ {
		res, err := p.doProcess(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var netErr net.Error
		if !(errors.As(err, &netErr) && netErr.Timeout()) && !errors.Is(err, errServer) {
			return nil, fmt.Errorf("non-retriable error on attempt %d: %w", i+1, err)
		}
		if i == p.maxRetries {
			break
		}
		select {
		case <-time.After(p.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.maxRetries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", p.maxRetries, lastErr)
}

// doProcess performs a single POST.
func (p *httpProcessor) doProcess(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Request-Id", req.RequestID)
	httpReq.Header.Set("X-Tenant", req.Tenant)
	httpReq.Header.Set("X-Content-Type", req.ContentType)
	httpReq.Header.Set("X-Dispatch-Count", strconv.Itoa(req.DispatchCount))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read http response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s", errServer, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http request returned 4xx client error: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	return &domain.ProcessResult{
		Content:         body,
		NextContentType: resp.Header.Get(NextContentTypeHeader),
	}, nil
}
