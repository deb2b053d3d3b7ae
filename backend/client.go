// Package backend talks to the retrieval-augmented voice backend: call
// configuration, transport tokens, the system prompt, document upload and
// the /voice turn endpoint.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultPrompt is the system prompt a fresh session starts with.
const DefaultPrompt = "You are a real-time conversational AI voice assistant. Behavior: Speak naturally and concisely. Use KB context first when available. Do not hallucinate."

type Source struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

type TurnResponse struct {
	Reply   string   `json:"reply"`
	Sources []Source `json:"rag_sources"`
}

type PromptAck struct {
	Status string `json:"status"`
	Prompt string `json:"prompt"`
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *log.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, logger *log.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		log:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// LiveKitURL fetches the transport URL from /livekit-config.
func (c *Client) LiveKitURL(ctx context.Context) (string, error) {
	var out struct {
		LiveKitURL string `json:"livekit_url"`
	}
	if err := c.do(ctx, "livekit-config", http.MethodGet, "/livekit-config", nil, "", &out); err != nil {
		return "", err
	}
	if out.LiveKitURL == "" {
		return "", &RequestError{Op: "livekit-config", Err: errEmptyField("livekit_url")}
	}
	return out.LiveKitURL, nil
}

// Token asks the backend to mint a transport token for identity in room.
func (c *Client) Token(ctx context.Context, room, identity string) (string, error) {
	q := url.Values{}
	q.Set("room", room)
	q.Set("identity", identity)

	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "token", http.MethodGet, "/token?"+q.Encode(), nil, "", &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &RequestError{Op: "token", Err: errEmptyField("token")}
	}
	return out.Token, nil
}

func (c *Client) SetPrompt(ctx context.Context, prompt string) (PromptAck, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return PromptAck{}, fmt.Errorf("failed to encode prompt: %w", err)
	}

	var ack PromptAck
	err = c.do(ctx, "set_prompt", http.MethodPost, "/set_prompt", bytes.NewReader(body), "application/json", &ack)
	return ack, err
}

// Upload sends a document for indexing and returns the number of
// chunks the backend stored.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (int, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return 0, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish form: %w", err)
	}

	var out struct {
		ChunksIndexed int `json:"chunks_indexed"`
	}
	if err := c.do(ctx, "upload", http.MethodPost, "/upload", &buf, mw.FormDataContentType(), &out); err != nil {
		return 0, err
	}
	return out.ChunksIndexed, nil
}

// Voice runs one turn: the backend retrieves context for text and
// generates a reply.
func (c *Client) Voice(ctx context.Context, text string) (TurnResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("text", text); err != nil {
		return TurnResponse{}, fmt.Errorf("failed to write text field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return TurnResponse{}, fmt.Errorf("failed to finish form: %w", err)
	}

	var out TurnResponse
	if err := c.do(ctx, "voice", http.MethodPost, "/voice", &buf, mw.FormDataContentType(), &out); err != nil {
		return TurnResponse{}, err
	}
	if out.Sources == nil {
		out.Sources = []Source{}
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, "", &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) do(
	ctx context.Context,
	op, method, path string,
	body io.Reader,
	contentType string,
	out any,
) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug("backend", "op", op, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RequestError{
			Op:         op,
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Detail:     detail(raw),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &RequestError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// detail pulls FastAPI's {"detail": ...} out of an error body.
func detail(raw []byte) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != nil {
		if s, ok := body.Detail.(string); ok {
			return s
		}
		b, _ := json.Marshal(body.Detail)
		return string(b)
	}
	return strings.TrimSpace(string(raw))
}
