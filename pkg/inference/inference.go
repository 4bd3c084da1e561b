// Package inference gives detection workers access to the external model
// server. Model internals are out of scope for this process; a Detector is
// just "frame in, detections out".
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/vigilcam/vigil/pkg/annotate"
	"github.com/vigilcam/vigil/pkg/config"
	"github.com/vigilcam/vigil/pkg/framestore"
	"github.com/vigilcam/vigil/pkg/types"
)

// Detector runs one model over one frame.
type Detector interface {
	// Detect returns the model's detections for the frame. Pose models
	// additionally populate Keypoints.
	Detect(ctx context.Context, model string, env *framestore.Envelope) (types.Detections, error)
}

// PoseModel is the model identifier appended automatically when an agent's
// rules consume keypoints.
const PoseModel = "yolo-pose"

// IsPoseModel reports whether a model identifier names a keypoint-capable
// model.
func IsPoseModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "pose")
}

// Client calls a model server speaking the predict protocol: POST JPEG
// bytes to /v1/models/{model}:predict, JSON detections back.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

var _ Detector = &Client{}

func NewClient(cfg *config.Inference) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = cfg.Timeout

	return &Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		http:    client,
	}
}

type predictResponse struct {
	Classes   []string       `json:"classes"`
	Scores    []float32      `json:"scores"`
	Boxes     [][4]float32   `json:"boxes"`
	Keypoints [][][3]float32 `json:"keypoints,omitempty"`
}

func (c *Client) Detect(ctx context.Context, model string, env *framestore.Envelope) (types.Detections, error) {
	jpegBytes, err := annotate.EncodeJPEG(env, annotate.NotificationJPEGQuality)
	if err != nil {
		return types.Detections{}, fmt.Errorf("failed to encode frame for inference: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/models/%s:predict", c.baseURL, url.PathEscape(model))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jpegBytes))
	if err != nil {
		return types.Detections{}, fmt.Errorf("failed to create inference request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Detections{}, fmt.Errorf("inference request for model %s failed: %w", model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Detections{}, fmt.Errorf("inference server returned %d for model %s: %s", resp.StatusCode, model, body)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.Detections{}, fmt.Errorf("failed to decode inference response: %w", err)
	}

	return types.Detections{
		Classes:   out.Classes,
		Scores:    out.Scores,
		Boxes:     out.Boxes,
		Keypoints: out.Keypoints,
		Timestamp: env.ProducedAt,
	}, nil
}
