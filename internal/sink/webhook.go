package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	logx "relaybot/pkg/logx"
)

const maxErrorBodyBytes = 4 << 10

// WebhookSink delivers payloads over Discord-style webhooks: JSON bodies
// when there are no files, multipart with a payload_json part otherwise.
type WebhookSink struct {
	client *http.Client
	log    logx.Logger
}

func NewWebhook(log logx.Logger) *WebhookSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WebhookSink{
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
}

// Create posts the payload with the wait-for-identity variant and returns
// the delivered message id.
func (s *WebhookSink) Create(ctx context.Context, webhookURL string, p Payload) (string, error) {
	u, err := withWaitParam(webhookURL)
	if err != nil {
		return "", err
	}
	resp, err := s.send(ctx, http.MethodPost, u, p)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var msg struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", fmt.Errorf("sink: decode create response: %w", err)
	}
	if msg.ID == "" {
		return "", errors.New("sink: create response missing message id")
	}
	return msg.ID, nil
}

// Update patches the delivered message in place.
func (s *WebhookSink) Update(ctx context.Context, webhookURL, relayedID string, p Payload) error {
	if relayedID == "" {
		return errors.New("sink: update requires a relayed id")
	}
	u, err := messageURL(webhookURL, relayedID)
	if err != nil {
		return err
	}
	resp, err := s.send(ctx, http.MethodPatch, u, p)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	return resp.Body.Close()
}

func (s *WebhookSink) send(ctx context.Context, method, rawURL string, p Payload) (*http.Response, error) {
	var body bytes.Buffer
	contentType, err := encodeBody(&body, p)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		return nil, &SendError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), raw),
			Body:       string(raw),
		}
	}
	return resp, nil
}

type webhookBody struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []Embed `json:"embeds,omitempty"`
}

func encodeBody(buf *bytes.Buffer, p Payload) (string, error) {
	wire := webhookBody{Username: p.Username, Content: p.Content, Embeds: p.Embeds}
	if len(p.Files) == 0 {
		if err := json.NewEncoder(buf).Encode(wire); err != nil {
			return "", err
		}
		return "application/json", nil
	}

	mw := multipart.NewWriter(buf)
	pj, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	if err := mw.WriteField("payload_json", string(pj)); err != nil {
		return "", err
	}
	for i, f := range p.Files {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[%d]"; filename=%q`, i, f.Name))
		if f.ContentType != "" {
			hdr.Set("Content-Type", f.ContentType)
		}
		part, err := mw.CreatePart(hdr)
		if err != nil {
			return "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	return mw.FormDataContentType(), nil
}

func withWaitParam(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("sink: bad webhook url: %w", err)
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func messageURL(rawURL, relayedID string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("sink: bad webhook url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/messages/" + url.PathEscape(relayedID)
	return u.String(), nil
}

// parseRetryAfter reads the hint from the Retry-After header (seconds,
// possibly fractional) or the JSON error body.
func parseRetryAfter(header string, body []byte) time.Duration {
	if s := strings.TrimSpace(header); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	var wire struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.RetryAfter > 0 {
		return time.Duration(wire.RetryAfter * float64(time.Second))
	}
	return 0
}
