package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/bobby-s-dev/weather-radio/internal/models"
	"go.uber.org/zap"
)

const DefaultOpenWeatherURL = "https://api.openweathermap.org/data/2.5"

var ErrMalformedPayload = errors.New("malformed weather payload")

type OpenWeatherClient struct {
	*BaseClient
	baseURL string
}

// OpenWeatherCurrentResponse is the subset of /weather the radio cares about.
type OpenWeatherCurrentResponse struct {
	Coord struct {
		Lon float64 `json:"lon"`
		Lat float64 `json:"lat"`
	} `json:"coord"`
	Weather []struct {
		ID          int    `json:"id"`
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Dt   int64  `json:"dt"`
	Name string `json:"name"`
	Cod  int    `json:"cod"`
}

func NewOpenWeatherClient(baseURL string, config ClientConfig, logger *zap.Logger) *OpenWeatherClient {
	return &OpenWeatherClient{
		BaseClient: NewBaseClient("openweather", config, logger),
		baseURL:    baseURL,
	}
}

// Fetch returns the raw JSON of the current conditions at loc.
func (c *OpenWeatherClient) Fetch(ctx context.Context, loc models.Location, apiKey string) ([]byte, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	q.Set("appid", apiKey)

	data, err := c.GetWithRetry(ctx, c.baseURL+"/weather?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch current weather: %w", err)
	}
	return data, nil
}

// ConditionCode extracts weather[0].id as its decimal string, e.g. "501".
func ConditionCode(raw []byte) (string, error) {
	var response OpenWeatherCurrentResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if response.Cod != 0 && response.Cod != 200 {
		return "", fmt.Errorf("%w: API error %d", ErrMalformedPayload, response.Cod)
	}
	if len(response.Weather) == 0 {
		return "", fmt.Errorf("%w: no weather entries", ErrMalformedPayload)
	}
	return strconv.Itoa(response.Weather[0].ID), nil
}
