package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/san-kum/object-tracker/server/models"
	"github.com/san-kum/object-tracker/server/processor"
)

// Client is a Detector backed by a remote inference service. It expects
// POST /analyze to return boxes that are unit-normalized with a bottom-left
// origin relative to the square image it was sent.
type Client struct {
	baseURL    string
	slot       int
	httpClient *http.Client
	logger     *zap.Logger
	config     ClientConfig
}

type ClientConfig struct {
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	JPEGQuality int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		RetryDelay:  1 * time.Second,
		JPEGQuality: 90,
	}
}

type AnalysisRequest struct {
	ImageData []byte         `json:"image_data"`
	Timestamp int64          `json:"timestamp"`
	Config    map[string]any `json:"config,omitempty"`
}

type AnalysisResponse struct {
	Detections     []ObjectDetection `json:"detections"`
	ProcessingTime float64           `json:"processing_time"`
	ModelVersion   string            `json:"model_version"`
}

type ObjectDetection struct {
	Class       string  `json:"class"`
	Confidence  float64 `json:"confidence"`
	BoundingBox BBox    `json:"bounding_box"`
}

type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// StatusError is returned for non-200 responses from the inference service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ML service error (status %d): %s", e.StatusCode, e.Body)
}

func NewClient(baseURL string, slot int, config ClientConfig, logger *zap.Logger) *Client {
	if config.JPEGQuality <= 0 {
		config.JPEGQuality = DefaultClientConfig().JPEGQuality
	}
	return &Client{
		baseURL: baseURL,
		slot:    slot,
		logger:  logger.With(zap.Int("detector_slot", slot)),
		config:  config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       2,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}
}

// NewDetectorFactory builds one Client per pool slot so every worker has its
// own connection pool.
func NewDetectorFactory(baseURL string, config ClientConfig, logger *zap.Logger) processor.DetectorFactory {
	return func(slot int) (processor.Detector, error) {
		client := NewClient(baseURL, slot, config, logger)
		if err := client.HealthCheck(context.Background()); err != nil {
			logger.Warn("ML service not available at startup",
				zap.Int("detector_slot", slot),
				zap.Error(err))
		}
		return client, nil
	}
}

// Analyze sends one padded square frame to the service. Transport failures
// and 5xx responses are retried with linear backoff; 4xx responses are not.
func (c *Client) Analyze(ctx context.Context, img image.Image) ([]models.RawDetection, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.config.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	mlRequest := &AnalysisRequest{
		ImageData: buf.Bytes(),
		Timestamp: time.Now().UnixMilli(),
		Config: map[string]any{
			"detector_slot": c.slot,
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying ML analysis request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		response, err := c.executeAnalysisRequest(ctx, mlRequest)
		if err == nil {
			return convertMLResponse(response), nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
			break
		}
	}

	return nil, fmt.Errorf("ML analysis failed after %d attempts: %w",
		c.config.MaxRetries+1, lastErr)
}

func (c *Client) executeAnalysisRequest(ctx context.Context, request *AnalysisRequest) (*AnalysisResponse, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/analyze", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "object-tracker/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, &StatusError{StatusCode: response.StatusCode, Body: string(bodyBytes)}
	}

	var mlResponse AnalysisResponse
	if err := json.NewDecoder(response.Body).Decode(&mlResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &mlResponse, nil
}

func convertMLResponse(mlResp *AnalysisResponse) []models.RawDetection {
	detections := make([]models.RawDetection, 0, len(mlResp.Detections))
	for _, d := range mlResp.Detections {
		detections = append(detections, models.RawDetection{
			Label:      d.Class,
			Confidence: float32(d.Confidence),
			Box: models.Box{
				X:      d.BoundingBox.X,
				Y:      d.BoundingBox.Y,
				Width:  d.BoundingBox.Width,
				Height: d.BoundingBox.Height,
			},
		})
	}
	return detections
}

func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("ML service unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

// WatchHealth polls the service until ctx is cancelled.
func (c *Client) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("ML service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("ML service health check passed")
			}
		}
	}
}

func (c *Client) GetModelInfo(ctx context.Context) (map[string]any, error) {
	url := fmt.Sprintf("%s/models/info", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var modelInfo map[string]any
	if err := json.NewDecoder(response.Body).Decode(&modelInfo); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return modelInfo, nil
}

// ModelInfoReport returns a stats section describing the served model. Each
// call queries the service with the given timeout; failures are reported in
// the section rather than returned.
func (c *Client) ModelInfoReport(timeout time.Duration) func() any {
	return func() any {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		info, err := c.GetModelInfo(ctx)
		if err != nil {
			c.logger.Debug("Model info unavailable", zap.Error(err))
			return map[string]any{"available": false, "error": err.Error()}
		}
		info["available"] = true
		return info
	}
}

// Close releases idle connections. The pool calls it on shutdown.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
