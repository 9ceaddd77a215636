// Package ocr calls the external OCR service for text hints on image candidates.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/worq1337/parcer/internal/logger"
)

const processPath = "/ocr/process"

// ImageLoader loads the bytes behind an image reference.
type ImageLoader interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

// Client is an HTTP client for the OCR service.
type Client struct {
	baseURL string
	images  ImageLoader
	http    *http.Client
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, images ImageLoader, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), images: images, http: httpClient}
}

type processRequest struct {
	Image      string `json:"image"`
	Preprocess bool   `json:"preprocess"`
}

type processResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	OCRResult *struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"ocr_result"`
}

// Recognize returns the text read from the image and the service's confidence
// (0..100). A rejected low-confidence read is still returned so the caller can
// apply its own threshold.
func (c *Client) Recognize(ctx context.Context, imageRef string) (string, float64, error) {
	log := logger.FromContext(ctx)

	data, _, err := c.images.Fetch(ctx, imageRef)
	if err != nil {
		return "", 0, fmt.Errorf("Recognize: loading image: %w", err)
	}

	body, err := json.Marshal(processRequest{
		Image:      base64.StdEncoding.EncodeToString(data),
		Preprocess: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("Recognize: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+processPath, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("Recognize: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("Recognize: calling service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", 0, fmt.Errorf("Recognize: reading response: %w", err)
	}

	var out processResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, fmt.Errorf("Recognize: status %d: decoding response: %w", resp.StatusCode, err)
	}

	// 422 means the service read the image but did not like the result; the
	// text and confidence are still reported.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
		return "", 0, fmt.Errorf("Recognize: status %d: %s", resp.StatusCode, out.Error)
	}
	if out.OCRResult == nil {
		if out.Error == "" {
			out.Error = "no ocr_result in response"
		}
		return "", 0, errors.New("Recognize: " + out.Error)
	}

	log.Debug().
		Str("image_ref", imageRef).
		Float64("confidence", out.OCRResult.Confidence).
		Int("text_len", len(out.OCRResult.Text)).
		Msg("OCR finished")
	return out.OCRResult.Text, out.OCRResult.Confidence, nil
}
