// Package forwarder streams chat completions from upstream OpenAI-compatible
// endpoints and normalizes reasoning deltas into inline think markers.
package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/infermux/infermux/internal/common/logger"
	v1 "github.com/infermux/infermux/pkg/api/v1"
)

const (
	thinkOpen  = "<think>\n"
	thinkClose = "\n</think>\n\n"
)

// Upstream identifies one resolved forwarding target.
type Upstream struct {
	APIBase string
	APIKey  string
	Model   string
}

// Client issues streaming requests against upstream endpoints.
type Client struct {
	http   *http.Client
	logger *logger.Logger
}

// NewClient creates a forwarder client with the given connect timeout.
func NewClient(connectTimeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
			},
		},
		logger: log.WithFields(zap.String("component", "forwarder")),
	}
}

// StreamChatCompletions posts the request to the upstream and feeds each
// content delta to emit, in order. Reasoning deltas are wrapped in think
// markers: the first reasoning emission is preceded by the opening marker,
// and the first content emission after reasoning by the closing one.
//
// emit returning false means the receiver is gone; streaming stops without
// error. A nil return means the upstream finished cleanly ([DONE] or EOF).
func (c *Client) StreamChatCompletions(ctx context.Context, up Upstream, req *v1.ChatCompletionRequest, emit func(text string) bool) error {
	body := *req
	body.Model = up.Model
	body.Stream = true

	payload, err := json.Marshal(&body)
	if err != nil {
		return fmt.Errorf("failed to encode upstream request: %w", err)
	}

	url := strings.TrimRight(up.APIBase, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if up.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+up.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return c.consumeEventStream(resp.Body, emit)
}

// upstreamEvent is the slice of an upstream chunk the forwarder cares about.
type upstreamEvent struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *Client) consumeEventStream(body io.Reader, emit func(text string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	reasoning := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return nil
		}

		var event upstreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("failed to decode upstream event: %w", err)
		}
		if len(event.Choices) == 0 {
			continue
		}

		delta := event.Choices[0].Delta
		switch {
		case delta.Content != "":
			if reasoning {
				if !emit(thinkClose) {
					return nil
				}
				reasoning = false
			}
			if !emit(delta.Content) {
				return nil
			}

		case delta.ReasoningContent != "" || delta.Reasoning != "":
			text := delta.ReasoningContent
			if text == "" {
				text = delta.Reasoning
			}
			if !reasoning {
				if !emit(thinkOpen) {
					return nil
				}
				reasoning = true
			}
			if !emit(text) {
				return nil
			}
		}
	}
	return scanner.Err()
}
