package blobstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotConfigured is returned when no upload endpoint or key is set. Callers
// treat screenshot storage as optional and degrade rather than fail.
var ErrNotConfigured = errors.New("blob store not configured")

// Config for the media upload service. The service speaks the ImageKit-style
// upload API: multipart POST with the private key as basic auth username.
type Config struct {
	UploadEndpoint string
	PrivateKey     string
	Folder         string
	Timeout        time.Duration
	MaxRetries     uint64
}

func DefaultConfig() *Config {
	return &Config{
		UploadEndpoint: "",
		PrivateKey:     "",
		Folder:         "/screenshots",
		Timeout:        15 * time.Second,
		MaxRetries:     2,
	}
}

// Client implements interfaces.BlobStore against a hosted media service.
type Client struct {
	config *Config
	http   *http.Client
}

func NewClient(config *Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

// Enabled reports whether the client has enough configuration to upload.
func (c *Client) Enabled() bool {
	return c.config.UploadEndpoint != "" && c.config.PrivateKey != ""
}

type uploadResponse struct {
	URL string `json:"url"`
}

// UploadScreenshot stores an image and returns its public URL. Transient
// failures are retried with exponential backoff a bounded number of times.
func (c *Client) UploadScreenshot(ctx context.Context, name string, data []byte) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}

	var url string
	operation := func() error {
		u, err := c.upload(ctx, name, data)
		if err != nil {
			return err
		}
		url = u
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.config.MaxRetries)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", fmt.Errorf("screenshot upload failed: %w", err)
	}

	return url, nil
}

func (c *Client) upload(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	// The upload API accepts base64 file content as a form field.
	if err := writer.WriteField("file", base64.StdEncoding.EncodeToString(data)); err != nil {
		return "", fmt.Errorf("failed to write file field: %w", err)
	}
	if err := writer.WriteField("fileName", name); err != nil {
		return "", fmt.Errorf("failed to write fileName field: %w", err)
	}
	if c.config.Folder != "" {
		if err := writer.WriteField("folder", c.config.Folder); err != nil {
			return "", fmt.Errorf("failed to write folder field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.UploadEndpoint, &body)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBasicAuth(c.config.PrivateKey, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// Client errors will not succeed on retry.
		return "", backoff.Permanent(fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, payload))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}

	var result uploadResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if result.URL == "" {
		return "", backoff.Permanent(errors.New("upload response missing url"))
	}

	return result.URL, nil
}
