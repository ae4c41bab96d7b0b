package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/convo-dev/convo/pkg/httpclient"
)

const (
	defaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL  = "https://api.open-meteo.com/v1/forecast"

	requestTimeout = 10 * time.Second
)

// openMeteoClient resolves a city name to coordinates and fetches the
// current conditions there.
type openMeteoClient struct {
	geocodingURL string
	forecastURL  string
	http         *httpclient.Client
}

func newOpenMeteoClient() *openMeteoClient {
	return &openMeteoClient{
		geocodingURL: defaultGeocodingURL,
		forecastURL:  defaultForecastURL,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: requestTimeout}),
			httpclient.WithMaxRetries(2),
		),
	}
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WeatherCode int     `json:"weather_code"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
	CurrentUnits struct {
		Temperature string `json:"temperature_2m"`
		WindSpeed   string `json:"wind_speed_10m"`
	} `json:"current_units"`
}

// CurrentWeather returns a one-paragraph plain-text report for the city.
func (c *openMeteoClient) CurrentWeather(ctx context.Context, city string) (string, error) {
	var geo geocodingResponse
	geoParams := url.Values{"name": {city}, "count": {"1"}}
	if err := c.getJSON(ctx, c.geocodingURL+"?"+geoParams.Encode(), &geo); err != nil {
		return "", fmt.Errorf("geocoding lookup failed: %w", err)
	}
	if len(geo.Results) == 0 {
		return "", fmt.Errorf("no location found for %q", city)
	}
	loc := geo.Results[0]

	var forecast forecastResponse
	fcParams := url.Values{
		"latitude":  {fmt.Sprintf("%.4f", loc.Latitude)},
		"longitude": {fmt.Sprintf("%.4f", loc.Longitude)},
		"current":   {"temperature_2m,relative_humidity_2m,weather_code,wind_speed_10m"},
	}
	if err := c.getJSON(ctx, c.forecastURL+"?"+fcParams.Encode(), &forecast); err != nil {
		return "", fmt.Errorf("forecast lookup failed: %w", err)
	}

	cur := forecast.Current
	tempUnit := forecast.CurrentUnits.Temperature
	if tempUnit == "" {
		tempUnit = "°C"
	}
	windUnit := forecast.CurrentUnits.WindSpeed
	if windUnit == "" {
		windUnit = "km/h"
	}

	return fmt.Sprintf("Current weather in %s, %s: %s, %.1f%s, humidity %.0f%%, wind %.1f %s.",
		loc.Name, loc.Country,
		describeWeatherCode(cur.WeatherCode),
		cur.Temperature, tempUnit,
		cur.Humidity,
		cur.WindSpeed, windUnit), nil
}

func (c *openMeteoClient) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// describeWeatherCode maps WMO weather interpretation codes to text.
func describeWeatherCode(code int) string {
	switch code {
	case 0:
		return "clear sky"
	case 1:
		return "mainly clear"
	case 2:
		return "partly cloudy"
	case 3:
		return "overcast"
	case 45, 48:
		return "fog"
	case 51, 53, 55:
		return "drizzle"
	case 56, 57:
		return "freezing drizzle"
	case 61, 63, 65:
		return "rain"
	case 66, 67:
		return "freezing rain"
	case 71, 73, 75:
		return "snowfall"
	case 77:
		return "snow grains"
	case 80, 81, 82:
		return "rain showers"
	case 85, 86:
		return "snow showers"
	case 95:
		return "thunderstorm"
	case 96, 99:
		return "thunderstorm with hail"
	default:
		return fmt.Sprintf("unknown conditions (code %d)", code)
	}
}
