package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/secagg/protocol"
)

// HTTPParticipantClient is the coordinator's protocol.ParticipantClient for a participant
// reachable over HTTP. Every call is bounded by its context.
type HTTPParticipantClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPParticipantClient creates a client for the participant served at endpoint.
func NewHTTPParticipantClient(endpoint string, httpClient *http.Client) *HTTPParticipantClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPParticipantClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: httpClient,
	}
}

// Endpoint returns the participant's base URL.
func (c *HTTPParticipantClient) Endpoint() string {
	return c.endpoint
}

func (c *HTTPParticipantClient) RequestMaskKey(ctx context.Context, req *protocol.KeyRequest) (*protocol.Envelope, error) {
	return postJSON[protocol.Envelope](ctx, c.httpClient, c.endpoint+"/mask-key", req)
}

func (c *HTTPParticipantClient) RequestMaskedUpdate(ctx context.Context, req *protocol.UpdateRequest) (*protocol.Envelope, error) {
	return postJSON[protocol.Envelope](ctx, c.httpClient, c.endpoint+"/masked-update", req)
}

func (c *HTTPParticipantClient) RequestUnmaskShares(ctx context.Context, req *protocol.UnmaskRequest) (*protocol.Envelope, error) {
	return postJSON[protocol.Envelope](ctx, c.httpClient, c.endpoint+"/unmask", req)
}

// postJSON posts body as JSON and decodes a JSON response of type T.
func postJSON[T any](ctx context.Context, httpClient *http.Client, url string, body any) (*T, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON[T](httpClient, req)
}

// getJSON fetches url and decodes a JSON response of type T.
func getJSON[T any](ctx context.Context, httpClient *http.Client, url string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return doJSON[T](httpClient, req)
}

func doJSON[T any](httpClient *http.Client, req *http.Request) (*T, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{URL: req.URL.String(), Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return protocol.DecodeMessage[T](resp.Body)
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.Code, e.Body)
}
