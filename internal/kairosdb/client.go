// Package kairosdb forwards numeric check results to an optional KairosDB
// time-series sink.
package kairosdb

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DataPoint is one KairosDB datapoint in the REST API shape.
type DataPoint struct {
	Name      string            `json:"name"`
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Client writes datapoints to a KairosDB instance.
type Client struct {
	logger     *zap.Logger
	httpClient *resty.Client
}

// NewClient creates a KairosDB client for the given host and port.
func NewClient(host string, port int, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(fmt.Sprintf("http://%s:%d", host, port)).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		logger:     logger.Named("kairosdb"),
		httpClient: httpClient,
	}
}

// Write sends a batch of datapoints. Failures are logged and returned but
// never abort check processing.
func (c *Client) Write(ctx context.Context, points []DataPoint) error {
	if len(points) == 0 {
		return nil
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(points).
		Post("/api/v1/datapoints")
	if err != nil {
		return fmt.Errorf("failed to write datapoints: %w", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("kairosdb returned status %d: %s", resp.StatusCode(), resp.Body())
	}

	c.logger.Debug("Datapoints written", zap.Int("count", len(points)))
	return nil
}
