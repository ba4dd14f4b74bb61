package aitoggle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klinikly/chatsync/internal/protocol"
)

// HTTPSetter pushes the AI responder state over the conversation REST API.
type HTTPSetter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSetter creates a setter against the given endpoint base URL. The
// conversation id is appended as a path segment.
func NewHTTPSetter(endpoint string) *HTTPSetter {
	return &HTTPSetter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type aiStateBody struct {
	Enabled bool `json:"enabled"`
}

// Put sends the desired state. A 4xx answer is a terminal rejection: the
// request is well-formed but refused, so retrying is pointless. Network
// errors and 5xx answers are retriable.
func (s *HTTPSetter) Put(ctx context.Context, conversationID string, enabled bool) error {
	body, err := json.Marshal(aiStateBody{Enabled: enabled})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/conversations/%s/ai", s.endpoint, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &protocol.RejectionError{
			Code:   resp.Status,
			Reason: string(msg),
		}
	}
	return fmt.Errorf("ai state update: %s: %s", resp.Status, msg)
}
