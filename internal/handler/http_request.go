package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
)

const maxResponseBody = 64 * 1024

// HTTPRequestPayload configures an HTTP request task
type HTTPRequestPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// HTTPRequestResult is the recorded outcome of an HTTP request task
type HTTPRequestResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
	Duration   string `json:"duration"`
}

// HTTPRequestHandler performs a recurring HTTP request, e.g. a health
// check or webhook ping.
type HTTPRequestHandler struct {
	logger  *zap.Logger
	client  *http.Client
	payload HTTPRequestPayload
}

// NewHTTPRequestHandler creates an HTTP request handler
func NewHTTPRequestHandler(payload HTTPRequestPayload, logger *zap.Logger) *HTTPRequestHandler {
	timeout := payload.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}

	return &HTTPRequestHandler{
		logger:  logger.Named("http-request"),
		client:  &http.Client{Timeout: timeout},
		payload: payload,
	}
}

// Run executes the HTTP request. A non-2xx status is a handler failure.
func (h *HTTPRequestHandler) Run(ctx context.Context) (interface{}, error) {
	var body io.Reader
	if h.payload.Body != "" {
		body = strings.NewReader(h.payload.Body)
	}

	req, err := http.NewRequestWithContext(ctx, h.payload.Method, h.payload.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range h.payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Debug("Executing HTTP request",
		zap.String("method", h.payload.Method),
		zap.String("url", h.payload.URL))

	started := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &HTTPRequestResult{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Duration:   time.Since(started).String(),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, h.payload.URL)
	}
	return result, nil
}

// NewHTTPRequestFactory returns a Factory building HTTP request handlers
func NewHTTPRequestFactory() Factory {
	return func(payload map[string]interface{}, logger *zap.Logger) (model.Handler, error) {
		var p HTTPRequestPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		if p.URL == "" {
			return nil, fmt.Errorf("http_request handler requires a url")
		}
		return NewHTTPRequestHandler(p, logger).Run, nil
	}
}
