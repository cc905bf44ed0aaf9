package annotator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// serviceClient talks to the segmentation service: HTTP for session
// management and prompts, WebSocket for the frame/result stream.
type serviceClient struct {
	baseURL string
	wsURL   string
	httpc   *http.Client
	dialer  *websocket.Dialer
}

func newServiceClient(baseURL string) *serviceClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &serviceClient{
		baseURL: baseURL,
		wsURL:   wsURL,
		httpc:   &http.Client{},
		dialer:  &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

// probe checks the service status endpoint.
func (c *serviceClient) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/segment/status", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("segmentation service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("segmentation service status %d", resp.StatusCode)
	}
	return nil
}

// openSession creates a segmentation session and returns its id.
func (c *serviceClient) openSession(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sessionOpenTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/segment/session/start", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("open segmentation session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("open segmentation session: status %d", resp.StatusCode)
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if body.SessionID == "" {
		return "", fmt.Errorf("session response missing session_id")
	}
	return body.SessionID, nil
}

// dial opens the result stream for a session.
func (c *serviceClient) dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/segment/stream?session_id=%s", c.wsURL, sessionID)
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial segmentation stream: %w", err)
	}
	return conn, nil
}

// closeSession deletes a session on the service.
func (c *serviceClient) closeSession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, sessionOpenTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/segment/session/%s", c.baseURL, sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("close segmentation session: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Prompt is a segmentation prompt forwarded to the service. Points are
// pixel coordinates; labels mark points as foreground (1) or
// background (0).
type Prompt struct {
	Text   string       `json:"text,omitempty"`
	Points [][2]float64 `json:"points,omitempty"`
	Labels []int        `json:"labels,omitempty"`
}

// sendPrompt posts a prompt for a session.
func (c *serviceClient) sendPrompt(ctx context.Context, sessionID string, p Prompt) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/segment/session/%s/prompt", c.baseURL, sessionID),
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send prompt: status %d", resp.StatusCode)
	}
	return nil
}
