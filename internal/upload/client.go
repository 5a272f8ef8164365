package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/audiolibrelab/voxcapture/internal/audio"
	"github.com/audiolibrelab/voxcapture/internal/config"
)

// ErrorKind classifies a failed delivery
type ErrorKind string

const (
	TransportError ErrorKind = "transport"
	ServerError    ErrorKind = "server"
)

// maxReplyBytes bounds how much of a reply body is read
const maxReplyBytes = 4 << 20

// UploadError describes a failed round-trip to the chat backend
type UploadError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Reply is the backend's answer to an uploaded clip
type Reply struct {
	Text            string `json:"text_response"`
	AudioResponse   string `json:"audio_response,omitempty"`
	DetectedEmotion string `json:"detected_emotion,omitempty"`
}

type textRequest struct {
	Text string `json:"text"`
}

type textReply struct {
	Result *string `json:"result"`
}

// Client talks to the chat backend's voice and text endpoints
type Client struct {
	cfg        config.UploadConfig
	httpClient *http.Client
}

// NewClient creates a backend client using the configured timeout
func NewClient(cfg config.UploadConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

// NewClientWithHTTP creates a client around an existing http.Client
func NewClientWithHTTP(cfg config.UploadConfig, httpClient *http.Client) *Client {
	return &Client{cfg: cfg, httpClient: httpClient}
}

// Upload posts the clip as a single multipart file field and decodes the
// reply. A reply with a missing or empty text_response counts as a server
// error.
func (c *Client) Upload(ctx context.Context, clip *audio.Clip) (*Reply, error) {
	if clip.Empty() {
		return nil, errors.New("refusing to upload empty clip")
	}

	body, contentType, err := c.createMultipartBody(clip.WAV)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	slog.Debug("Uploading clip", "endpoint", c.cfg.Endpoint, "bytes", len(clip.WAV), "duration", clip.Duration)

	start := time.Now()
	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Text            *string `json:"text_response"`
		AudioResponse   string  `json:"audio_response"`
		DetectedEmotion string  `json:"detected_emotion"`
	}
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil, &UploadError{Kind: ServerError, Err: fmt.Errorf("failed to parse reply: %w", err)}
	}
	if reply.Text == nil || *reply.Text == "" {
		return nil, &UploadError{Kind: ServerError, Err: errors.New("reply has no text_response")}
	}

	slog.Debug("Upload completed", "elapsed", time.Since(start), "emotion", reply.DetectedEmotion)

	return &Reply{
		Text:            *reply.Text,
		AudioResponse:   reply.AudioResponse,
		DetectedEmotion: reply.DetectedEmotion,
	}, nil
}

// SendText posts a typed message to the text endpoint and returns the
// backend's result field
func (c *Client) SendText(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(textRequest{Text: text})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TextEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	var reply textReply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return "", &UploadError{Kind: ServerError, Err: fmt.Errorf("failed to parse reply: %w", err)}
	}
	if reply.Result == nil {
		return "", &UploadError{Kind: ServerError, Err: errors.New("reply has no result field")}
	}
	return *reply.Result, nil
}

// do sends req and returns the body of a 2xx response
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UploadError{Kind: TransportError, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, &UploadError{Kind: TransportError, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UploadError{
			Kind:       ServerError,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", truncate(string(respBody), 200)),
		}
	}
	return respBody, nil
}

func (c *Client) createMultipartBody(wav []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, c.cfg.FieldName, c.cfg.FileName))
	header.Set("Content-Type", "audio/wav")

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
