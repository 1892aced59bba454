package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/munbon/awd-control/controller/store"
)

// HTTPWeatherProvider reads rainfall and weather from the platform's
// weather service.
type HTTPWeatherProvider struct {
	baseURL string
	http    *http.Client
}

func NewHTTPWeatherProvider(baseURL string) *HTTPWeatherProvider {
	return &HTTPWeatherProvider{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPWeatherProvider) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("weather service returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *HTTPWeatherProvider) CurrentRainfall(ctx context.Context, fieldID string) (*store.RainfallData, error) {
	var r store.RainfallData
	if err := p.getJSON(ctx, "/api/v1/rainfall/"+fieldID, &r); err != nil {
		return nil, err
	}
	r.FieldID = fieldID
	return &r, nil
}

func (p *HTTPWeatherProvider) CurrentWeather(ctx context.Context, fieldID string) (*store.Weather, error) {
	var w store.Weather
	if err := p.getJSON(ctx, "/api/v1/weather/"+fieldID, &w); err != nil {
		return nil, err
	}
	w.FieldID = fieldID
	return &w, nil
}
