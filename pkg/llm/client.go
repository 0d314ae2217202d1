package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ErrRequestFailed indicates a transport-level failure: a network
// fault or a non-success HTTP status from the upstream.
var ErrRequestFailed = errors.New("chat completion request failed")

// Client is the transport adapter for an OpenAI-compatible chat
// completion endpoint. It performs exactly one POST per call and does
// not retry; cancellation flows through the request context.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new Client for the given base URL. The API key
// may be any placeholder; local vLLM servers do not validate it. No
// timeout is set on the underlying http.Client - generations can run
// for minutes and are bounded by the caller's context instead.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// StreamCompletion issues a streaming chat completion request and
// returns the raw SSE body for the ingestion engine to consume. The
// caller owns closing the returned body.
func (c *Client) StreamCompletion(ctx context.Context, req *ChatRequest) (io.ReadCloser, error) {
	req.Stream = true

	httpResp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, httpResp.StatusCode, string(body))
	}

	return httpResp.Body, nil
}

// Completion issues a non-streaming chat completion request and parses
// the single JSON document response.
func (c *Client) Completion(ctx context.Context, req *ChatRequest) (*ChatCompletion, error) {
	req.Stream = false

	httpResp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, httpResp.StatusCode, string(body))
	}

	var completion ChatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &completion, nil
}

func (c *Client) post(ctx context.Context, req *ChatRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("posting chat completion",
		zap.String("url", url),
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
		zap.Bool("stream", req.Stream),
	)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Context cancellation surfaces here as a wrapped ctx error;
		// leave it unwrapped from ErrRequestFailed so callers can
		// tell the two apart.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	return httpResp, nil
}
