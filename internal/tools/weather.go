package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/claimledger/internal/cache"
	"github.com/ppiankov/claimledger/internal/fetch"
	"github.com/ppiankov/claimledger/internal/llm"
)

// ErrLocationNotFound is returned when geocoding finds no match
var ErrLocationNotFound = errors.New("location not found")

// WeatherReport is the daily weather at a place
type WeatherReport struct {
	Location        string  `json:"location"`
	Date            string  `json:"date"`
	Condition       string  `json:"condition"`
	Code            int     `json:"code"`
	PrecipitationMM float64 `json:"precipitation_mm"`
	MaxWindKMH      float64 `json:"max_wind_kmh"`
}

func (r WeatherReport) String() string {
	return fmt.Sprintf("Weather Report for %s on %s:\n- Condition: %s (Code: %d)\n- Precipitation: %.1f mm\n- Max Wind Speed: %.1f km/h",
		r.Location, r.Date, r.Condition, r.Code, r.PrecipitationMM, r.MaxWindKMH)
}

// Condition interprets a WMO weather code
func Condition(code int) string {
	switch {
	case code >= 95:
		return "Thunderstorm"
	case code >= 80 && code <= 82:
		return "Heavy Showers"
	case code >= 71 && code <= 77:
		return "Snow"
	case code >= 51 && code <= 67:
		return "Rain"
	default:
		return "Clear/Cloudy"
	}
}

// Weather looks up historical weather through open-meteo
type Weather struct {
	fetcher    *fetch.Fetcher
	store      cache.Store
	geocodeURL string
	archiveURL string
	ttl        time.Duration
}

// NewWeather creates the weather tool. store may be nil.
func NewWeather(f *fetch.Fetcher, store cache.Store, geocodeURL, archiveURL string) *Weather {
	return &Weather{
		fetcher:    f,
		store:      store,
		geocodeURL: geocodeURL,
		archiveURL: archiveURL,
		ttl:        24 * time.Hour,
	}
}

func (w *Weather) Definition() llm.Tool {
	return llm.Tool{
		Name:        "verify_historical_weather",
		Description: "Retrieves historical weather for a location and date. Use it to check whether it was raining, storming or clear on the incident date.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string", "description": "City or address, e.g. \"Pune\""},
				"date":     map[string]any{"type": "string", "description": "Date in YYYY-MM-DD format"},
			},
			"required": []string{"location", "date"},
		},
	}
}

func (w *Weather) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Location string `json:"location"`
		Date     string `json:"date"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	r, err := w.Lookup(ctx, in.Location, in.Date)
	if errors.Is(err, ErrLocationNotFound) {
		return fmt.Sprintf("Could not find coordinates for location: %s", in.Location), nil
	}
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// Lookup returns the weather at location on date (YYYY-MM-DD). An address
// that does not geocode is retried with its last comma-separated part.
func (w *Weather) Lookup(ctx context.Context, location, date string) (WeatherReport, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return WeatherReport{}, fmt.Errorf("location is required")
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return WeatherReport{}, fmt.Errorf("date %q is not YYYY-MM-DD", date)
	}

	key := cache.Key("weather", strings.ToLower(location), date)
	var cached WeatherReport
	if cache.GetJSON(w.store, key, &cached) {
		return cached, nil
	}

	name := location
	lat, lon, err := w.geocode(ctx, name)
	if errors.Is(err, ErrLocationNotFound) && strings.Contains(location, ",") {
		parts := strings.Split(location, ",")
		name = strings.TrimSpace(parts[len(parts)-1])
		lat, lon, err = w.geocode(ctx, name)
	}
	if err != nil {
		return WeatherReport{}, err
	}

	r, err := w.daily(ctx, lat, lon, date)
	if err != nil {
		return WeatherReport{}, err
	}
	r.Location = name
	_ = cache.SetJSON(w.store, key, r, w.ttl)
	return r, nil
}

func (w *Weather) geocode(ctx context.Context, name string) (lat, lon float64, err error) {
	q := url.Values{"name": {name}, "count": {"1"}, "format": {"json"}}
	doc, err := w.fetcher.FetchWithRetry(ctx, w.geocodeURL+"?"+q.Encode())
	if err != nil {
		return 0, 0, fmt.Errorf("geocode %q: %w", name, err)
	}
	var out struct {
		Results []struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := json.Unmarshal(doc.Body, &out); err != nil {
		return 0, 0, fmt.Errorf("decode geocoding response: %w", err)
	}
	if len(out.Results) == 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrLocationNotFound, name)
	}
	return out.Results[0].Latitude, out.Results[0].Longitude, nil
}

func (w *Weather) daily(ctx context.Context, lat, lon float64, date string) (WeatherReport, error) {
	q := url.Values{
		"latitude":   {fmt.Sprintf("%.4f", lat)},
		"longitude":  {fmt.Sprintf("%.4f", lon)},
		"start_date": {date},
		"end_date":   {date},
		"daily":      {"weather_code,precipitation_sum,wind_speed_10m_max"},
		"timezone":   {"auto"},
	}
	doc, err := w.fetcher.FetchWithRetry(ctx, w.archiveURL+"?"+q.Encode())
	if err != nil {
		return WeatherReport{}, fmt.Errorf("weather archive: %w", err)
	}
	var out struct {
		Daily *struct {
			WeatherCode   []*float64 `json:"weather_code"`
			Precipitation []*float64 `json:"precipitation_sum"`
			WindSpeed     []*float64 `json:"wind_speed_10m_max"`
		} `json:"daily"`
	}
	if err := json.Unmarshal(doc.Body, &out); err != nil {
		return WeatherReport{}, fmt.Errorf("decode weather response: %w", err)
	}
	if out.Daily == nil || len(out.Daily.WeatherCode) == 0 || out.Daily.WeatherCode[0] == nil {
		return WeatherReport{}, fmt.Errorf("no weather data found for %s", date)
	}

	code := int(*out.Daily.WeatherCode[0])
	return WeatherReport{
		Date:            date,
		Code:            code,
		Condition:       Condition(code),
		PrecipitationMM: first(out.Daily.Precipitation),
		MaxWindKMH:      first(out.Daily.WindSpeed),
	}, nil
}

func first(vals []*float64) float64 {
	if len(vals) == 0 || vals[0] == nil {
		return 0
	}
	return *vals[0]
}
