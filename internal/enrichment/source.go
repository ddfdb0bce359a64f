// internal/enrichment/source.go
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hubstream/internal/model"
)

// HTTPSource reads enrichment data from a read-only HTTP service
type HTTPSource struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewHTTPSource creates a source rooted at baseURL
func NewHTTPSource(baseURL string, timeout time.Duration) (*HTTPSource, error) {
	if baseURL == "" {
		return nil, errors.New("enrichment: empty base url")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}, nil
}

type weatherResponse struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`
	WindSpeed   *float64 `json:"wind_speed"`
	WindBearing *float64 `json:"wind_bearing"`
	Condition   string   `json:"condition"`
}

// FetchWeather loads the current weather for a location key
func (s *HTTPSource) FetchWeather(ctx context.Context, location string) (*model.WeatherSnapshot, error) {
	var resp weatherResponse
	path := "/weather?location=" + url.QueryEscape(location)
	if err := s.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}

	return &model.WeatherSnapshot{
		Location:    location,
		Temperature: resp.Temperature,
		Humidity:    resp.Humidity,
		Pressure:    resp.Pressure,
		WindSpeed:   resp.WindSpeed,
		WindBearing: resp.WindBearing,
		Condition:   resp.Condition,
		FetchedAt:   s.now().UTC(),
	}, nil
}

// FetchMetadata loads device and area metadata for an entity
func (s *HTTPSource) FetchMetadata(ctx context.Context, entityID string) (*model.DeviceMetadata, error) {
	var meta model.DeviceMetadata
	if err := s.getJSON(ctx, "/metadata/"+url.PathEscape(entityID), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("enrichment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("enrichment source returned http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode enrichment response: %w", err)
	}
	return nil
}
