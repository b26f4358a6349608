package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"

	"github.com/duskline/tunnelgate/internal/protocol"
	"github.com/duskline/tunnelgate/internal/version"
)

// supportedMethods are the only HTTP methods the dispatcher will
// execute against the origin (spec §4.6).
var supportedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// Dispatcher executes forwarded requests against the local origin
// server and shapes the result into an AgentResponseData.
type Dispatcher struct {
	baseURL string
	client  *http.Client
}

// NewDispatcher builds a dispatcher targeting the given origin base URL.
func NewDispatcher(baseURL string) *Dispatcher {
	return &Dispatcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Dispatch executes a forwarded request against the origin. Non-GET
// methods must carry a JSON body; the body is validated as JSON but
// forwarded verbatim, and Content-Type: application/json is always set
// on the outgoing request regardless of what the caller's headers say.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.ForwardedRequest) (*protocol.AgentResponseData, error) {
	if !supportedMethods[req.Method] {
		return nil, errors.New("Unsupported method")
	}

	if req.Method != http.MethodGet {
		var probe interface{}
		if err := json.Unmarshal([]byte(req.Body), &probe); err != nil {
			return nil, errors.New("Failed to parse request body")
		}
	}

	url := d.baseURL + req.Path
	var body io.Reader
	if req.Body != "" {
		body = bytes.NewReader([]byte(req.Body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building origin request: %w", err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}
	if req.Method != http.MethodGet {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("origin request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading origin response: %w", err)
	}

	var headers []protocol.HeaderPair
	for name, values := range resp.Header {
		for _, v := range values {
			if !utf8.ValidString(v) || !httpguts.ValidHeaderFieldValue(v) {
				continue
			}
			headers = append(headers, protocol.HeaderPair{Name: name, Value: v})
		}
	}

	return &protocol.AgentResponseData{
		StatusCode:   resp.StatusCode,
		Headers:      headers,
		Body:         string(respBody),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		AgentVersion: version.Version,
	}, nil
}
