package opendata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/open-transit-stream/poller/internal/config"
)

// Client pulls pages from the open-data records API
type Client struct {
	http      *http.Client
	staticURL string
	liveURL   string
	rowCount  int
}

// NewClient creates a feed client from configuration
func NewClient(cfg *config.Config) *Client {
	return &Client{
		http: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		staticURL: cfg.StaticFeedURL,
		liveURL:   cfg.LiveFeedURL,
		rowCount:  cfg.RowCount,
	}
}

// FetchStatic fetches one page of the static desserte feed.
// Coordinates are [lon, lat].
func (c *Client) FetchStatic(ctx context.Context) ([]StaticRecord, error) {
	page, err := c.fetchPage(ctx, c.staticURL)
	if err != nil {
		return nil, err
	}

	records := make([]StaticRecord, 0, len(page.Records))
	for i, raw := range page.Records {
		rec, err := normalizeStatic(raw)
		if err != nil {
			return nil, fmt.Errorf("static record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// FetchLive fetches one page of the realtime vehicle feed.
// Coordinates are consumed reversed: [lat, lon].
func (c *Client) FetchLive(ctx context.Context) ([]LiveRecord, error) {
	page, err := c.fetchPage(ctx, c.liveURL)
	if err != nil {
		return nil, err
	}

	records := make([]LiveRecord, 0, len(page.Records))
	for i, raw := range page.Records {
		rec, err := normalizeLive(raw)
		if err != nil {
			return nil, fmt.Errorf("live record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *Client) fetchPage(ctx context.Context, baseURL string) (*rawPage, error) {
	body, err := get(ctx, c.http, baseURL+strconv.Itoa(c.rowCount))
	if err != nil {
		return nil, err
	}

	// UseNumber keeps numeric ids above 2^53 exact
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var page rawPage
	if err := dec.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to parse feed JSON: %w", err)
	}
	if page.Records == nil {
		return nil, fmt.Errorf("%w: records", ErrMissingField)
	}
	return &page, nil
}

// get performs a GET and returns the body of a 200 response
func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func normalizeStatic(raw rawRecord) (StaticRecord, error) {
	var rec StaticRecord
	var err error

	if rec.LineID, err = field(raw, "mnemoligne"); err != nil {
		return rec, err
	}
	if rec.StopID, err = field(raw, "mnemoarret"); err != nil {
		return rec, err
	}
	if rec.LineName, err = field(raw, "nomligne"); err != nil {
		return rec, err
	}
	if rec.StopName, err = field(raw, "nomarret"); err != nil {
		return rec, err
	}
	if rec.DesserteID, err = field(raw, "iddesserte"); err != nil {
		return rec, err
	}
	coords, err := coordinates(raw)
	if err != nil {
		return rec, err
	}
	rec.StopLon, rec.StopLat = coords[0], coords[1]
	return rec, nil
}

func normalizeLive(raw rawRecord) (LiveRecord, error) {
	var rec LiveRecord
	var err error

	if rec.VehicleID, err = field(raw, "idvh"); err != nil {
		return rec, err
	}
	if rec.Type, err = field(raw, "type"); err != nil {
		return rec, err
	}
	if rec.State, err = field(raw, "etat"); err != nil {
		return rec, err
	}
	if rec.DesserteID, err = field(raw, "iddesserte"); err != nil {
		return rec, err
	}
	harret, err := field(raw, "harret")
	if err != nil {
		return rec, err
	}
	if rec.StopTime, err = parseTimestamp(harret); err != nil {
		return rec, fmt.Errorf("harret: %w", err)
	}
	if raw.RecordTimestamp == "" {
		return rec, fmt.Errorf("%w: record_timestamp", ErrMissingField)
	}
	if rec.Time, err = parseTimestamp(raw.RecordTimestamp); err != nil {
		return rec, fmt.Errorf("record_timestamp: %w", err)
	}
	coords, err := coordinates(raw)
	if err != nil {
		return rec, err
	}
	rec.Lon, rec.Lat = coords[1], coords[0]
	return rec, nil
}

// field returns fields[name] as a string. Numeric ids are rendered exactly as
// they appear in the feed.
func field(raw rawRecord, name string) (string, error) {
	v, ok := raw.Fields[name]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: fields.%s", ErrMissingField, name)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("fields.%s: unsupported type %T", name, v)
	}
}

func coordinates(raw rawRecord) ([2]float64, error) {
	if raw.Geometry == nil || len(raw.Geometry.Coordinates) < 2 {
		return [2]float64{}, fmt.Errorf("%w: geometry.coordinates", ErrMissingField)
	}
	return [2]float64{raw.Geometry.Coordinates[0], raw.Geometry.Coordinates[1]}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC3339 with or without fractional seconds. Values
// without an offset are taken as UTC.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
