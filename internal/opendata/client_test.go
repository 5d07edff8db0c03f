package opendata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/open-transit-stream/poller/internal/config"
)

const staticPage = `{
  "nhits": 2,
  "records": [
    {
      "fields": {"mnemoligne": "L1", "mnemoarret": "S1", "nomligne": "Line 1", "nomarret": "Republique", "iddesserte": 1001},
      "geometry": {"type": "Point", "coordinates": [2.35, 48.85]}
    },
    {
      "fields": {"mnemoligne": "L1", "mnemoarret": "S2", "nomligne": "Line 1", "nomarret": "Gares", "iddesserte": "1002"},
      "geometry": {"type": "Point", "coordinates": [2.36, 48.86]}
    }
  ]
}`

const livePage = `{
  "records": [
    {
      "fields": {"idvh": "V1", "type": "bus", "etat": "En ligne", "iddesserte": "1001", "harret": "2024-03-13T14:56:00+00:00"},
      "geometry": {"type": "Point", "coordinates": [48.8501, 2.3501]},
      "record_timestamp": "2024-03-13T14:54:00.129000+00:00"
    },
    {
      "fields": {"idvh": "V2", "type": "bus", "etat": "Hors ligne", "iddesserte": "1002", "harret": "2024-03-13T15:01:00+00:00"},
      "geometry": {"type": "Point", "coordinates": [48.86, 2.36]},
      "record_timestamp": "2024-03-13T14:54:00+00:00"
    }
  ]
}`

func newTestClient(t *testing.T, body string, status int) (*Client, *[]string) {
	t.Helper()
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.RequestURI())
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		StaticFeedURL: srv.URL + "/static?rows=",
		LiveFeedURL:   srv.URL + "/live?rows=",
		RowCount:      25,
		HTTPTimeout:   5 * time.Second,
	}
	return NewClient(cfg), &requested
}

func TestFetchStatic_NormalizesLonLatOrder(t *testing.T) {
	client, requested := newTestClient(t, staticPage, http.StatusOK)

	records, err := client.FetchStatic(context.Background())
	if err != nil {
		t.Fatalf("FetchStatic: %v", err)
	}
	if (*requested)[0] != "/static?rows=25" {
		t.Errorf("requested %q, want row count appended to base URL", (*requested)[0])
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	want := StaticRecord{
		LineID:     "L1",
		StopID:     "S1",
		LineName:   "Line 1",
		StopName:   "Republique",
		StopLon:    2.35,
		StopLat:    48.85,
		DesserteID: "1001",
	}
	if records[0] != want {
		t.Errorf("records[0] = %+v, want %+v", records[0], want)
	}
	if records[1].DesserteID != "1002" {
		t.Errorf("records[1].DesserteID = %q", records[1].DesserteID)
	}
}

func TestFetchStatic_LargeNumericIDKeptExact(t *testing.T) {
	// 2^53 + 1 has no exact float64 representation
	body := `{"records": [{
      "fields": {"mnemoligne": 12, "mnemoarret": "S1", "nomligne": "Line 12", "nomarret": "Republique", "iddesserte": 9007199254740993},
      "geometry": {"type": "Point", "coordinates": [2.35, 48.85]}
    }]}`
	client, _ := newTestClient(t, body, http.StatusOK)

	records, err := client.FetchStatic(context.Background())
	if err != nil {
		t.Fatalf("FetchStatic: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].DesserteID != "9007199254740993" {
		t.Errorf("DesserteID = %q, want 9007199254740993", records[0].DesserteID)
	}
	if records[0].LineID != "12" {
		t.Errorf("LineID = %q, want 12", records[0].LineID)
	}
	if records[0].StopLat != 48.85 {
		t.Errorf("StopLat = %v, want 48.85", records[0].StopLat)
	}
}

func TestFetchLive_ReversesCoordinates(t *testing.T) {
	client, requested := newTestClient(t, livePage, http.StatusOK)

	records, err := client.FetchLive(context.Background())
	if err != nil {
		t.Fatalf("FetchLive: %v", err)
	}
	if (*requested)[0] != "/live?rows=25" {
		t.Errorf("requested %q", (*requested)[0])
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}

	r := records[0]
	if r.VehicleID != "V1" || r.Type != "bus" || r.State != "En ligne" || r.DesserteID != "1001" {
		t.Errorf("unexpected record %+v", r)
	}
	if r.Lat != 48.8501 || r.Lon != 2.3501 {
		t.Errorf("lat/lon = %f/%f, want 48.8501/2.3501", r.Lat, r.Lon)
	}
	wantTime := time.Date(2024, 3, 13, 14, 54, 0, 129000000, time.UTC)
	if !r.Time.Equal(wantTime) {
		t.Errorf("Time = %v, want %v", r.Time, wantTime)
	}
	wantStop := time.Date(2024, 3, 13, 14, 56, 0, 0, time.UTC)
	if !r.StopTime.Equal(wantStop) {
		t.Errorf("StopTime = %v, want %v", r.StopTime, wantStop)
	}
	if records[1].VehicleID != "V2" {
		t.Errorf("order not preserved: %+v", records[1])
	}
}

func TestFetchLive_MissingFieldFailsWholeFetch(t *testing.T) {
	page := `{"records": [
		{"fields": {"idvh": "V1", "type": "bus", "etat": "x", "iddesserte": "1", "harret": "2024-03-13T14:56:00Z"},
		 "geometry": {"coordinates": [48.85, 2.35]}, "record_timestamp": "2024-03-13T14:54:00Z"},
		{"fields": {"idvh": "V2", "type": "bus", "iddesserte": "1", "harret": "2024-03-13T14:56:00Z"},
		 "geometry": {"coordinates": [48.85, 2.35]}, "record_timestamp": "2024-03-13T14:54:00Z"}
	]}`
	client, _ := newTestClient(t, page, http.StatusOK)

	records, err := client.FetchLive(context.Background())
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("err = %v, want ErrMissingField", err)
	}
	if records != nil {
		t.Errorf("no records should be returned on failure, got %d", len(records))
	}
}

func TestFetchStatic_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		missing bool
	}{
		{"server error", `{}`, http.StatusInternalServerError, false},
		{"invalid json", `{"records": [`, http.StatusOK, false},
		{"no records key", `{"nhits": 0}`, http.StatusOK, true},
		{"no geometry", `{"records": [{"fields": {"mnemoligne": "L1", "mnemoarret": "S1", "nomligne": "n", "nomarret": "n", "iddesserte": "1"}}]}`, http.StatusOK, true},
		{"short coordinates", `{"records": [{"fields": {"mnemoligne": "L1", "mnemoarret": "S1", "nomligne": "n", "nomarret": "n", "iddesserte": "1"}, "geometry": {"coordinates": [2.35]}}]}`, http.StatusOK, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, tc.body, tc.status)
			_, err := client.FetchStatic(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.missing != errors.Is(err, ErrMissingField) {
				t.Errorf("errors.Is(err, ErrMissingField) = %v, want %v (err: %v)", !tc.missing, tc.missing, err)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-13T14:54:00+00:00", time.Date(2024, 3, 13, 14, 54, 0, 0, time.UTC)},
		{"2024-03-13T14:54:00.5Z", time.Date(2024, 3, 13, 14, 54, 0, 500000000, time.UTC)},
		{"2024-03-13T15:54:00+0100", time.Date(2024, 3, 13, 14, 54, 0, 0, time.UTC)},
		{"2024-03-13T14:54:00", time.Date(2024, 3, 13, 14, 54, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseTimestamp(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("parseTimestamp(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	if _, err := parseTimestamp("yesterday"); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}
