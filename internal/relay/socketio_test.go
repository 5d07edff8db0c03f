package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/open-transit-stream/poller/internal/opendata"
)

type event struct {
	name    string
	payload json.RawMessage
}

// fakeServer speaks just enough Engine.IO to accept a client, ping it once
// and record emitted events.
func fakeServer(t *testing.T) (*httptest.Server, <-chan event, <-chan struct{}) {
	t.Helper()
	events := make(chan event, 16)
	pong := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"s1","upgrades":[],"pingInterval":25000,"pingTimeout":20000}`))
		_, data, err := conn.ReadMessage()
		if err != nil || string(data) != "40" {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"n1"}`))
		conn.WriteMessage(websocket.TextMessage, []byte("2"))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg := string(data)
			switch {
			case msg == "3":
				pong <- struct{}{}
			case strings.HasPrefix(msg, "42"):
				var args []json.RawMessage
				if err := json.Unmarshal(data[2:], &args); err != nil || len(args) != 2 {
					continue
				}
				var name string
				json.Unmarshal(args[0], &name)
				events <- event{name: name, payload: args[1]}
			case msg == "1":
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, events, pong
}

func nextEvent(t *testing.T, events <-chan event) event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return event{}
	}
}

func TestSocketIO_ConnectAnnouncesClient(t *testing.T) {
	srv, events, pong := fakeServer(t)

	client := NewSocketIO("bus-feed", "Donna Noble")
	if err := client.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	e := nextEvent(t, events)
	if e.name != EventAddUser {
		t.Fatalf("first event = %q, want %q", e.name, EventAddUser)
	}
	var name string
	if err := json.Unmarshal(e.payload, &name); err != nil || name != "Donna Noble" {
		t.Errorf("add user payload = %s", e.payload)
	}

	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Error("client did not answer ping")
	}
}

func TestSocketIO_CloseStopsReadLoop(t *testing.T) {
	srv, events, _ := fakeServer(t)

	client := NewSocketIO("bus-feed", "Donna Noble")
	if err := client.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	nextEvent(t, events)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-client.done:
	default:
		t.Fatal("read loop still running after Close returned")
	}

	if err := client.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if err := client.Emit(context.Background(), EventNewMessage, "late"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit() after Close = %v, want ErrNotConnected", err)
	}
}

func TestSocketIO_PublishPreservesOrder(t *testing.T) {
	srv, events, _ := fakeServer(t)

	client := NewSocketIO("bus-feed", "Donna Noble")
	if err := client.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()
	nextEvent(t, events) // add user

	ts := time.Date(2024, 3, 13, 14, 54, 0, 0, time.UTC)
	ids := []string{"V1", "V2", "V3"}
	for _, id := range ids {
		rec := opendata.LiveRecord{VehicleID: id, Lon: 2.35, Lat: 48.85, DesserteID: "D1", Time: ts, StopTime: ts}
		if err := client.Publish(context.Background(), rec); err != nil {
			t.Fatalf("Publish(%s) error = %v", id, err)
		}
	}

	for _, id := range ids {
		e := nextEvent(t, events)
		if e.name != EventNewMessage {
			t.Fatalf("event = %q, want %q", e.name, EventNewMessage)
		}
		var msg Message
		if err := json.Unmarshal(e.payload, &msg); err != nil {
			t.Fatalf("bad payload %s: %v", e.payload, err)
		}
		if msg.Username != "bus-feed" {
			t.Errorf("Username = %q", msg.Username)
		}
		var rec opendata.LiveRecord
		if err := json.Unmarshal([]byte(msg.Message), &rec); err != nil {
			t.Fatalf("message is not a record: %v", err)
		}
		if rec.VehicleID != id {
			t.Errorf("VehicleID = %q, want %q", rec.VehicleID, id)
		}
	}
}

func TestSocketIO_EmitBeforeConnect(t *testing.T) {
	client := NewSocketIO("bus-feed", "Donna Noble")
	err := client.Emit(context.Background(), EventNewMessage, "x")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit() error = %v, want ErrNotConnected", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client = %v", err)
	}
}

func TestSocketIO_ConnectRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := NewSocketIO("bus-feed", "Donna Noble")
	if err := client.Connect(context.Background(), srv.URL); err == nil {
		client.Close()
		t.Fatal("expected dial error")
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{"http://chat.local:3000", "ws://chat.local:3000/socket.io/?EIO=4&transport=websocket", false},
		{"https://chat.example.org/", "wss://chat.example.org/socket.io/?EIO=4&transport=websocket", false},
		{"ws://chat.local/custom", "ws://chat.local/custom/?EIO=4&transport=websocket", false},
		{"ftp://chat.local", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := websocketURL(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("websocketURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("websocketURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKafkaMessage(t *testing.T) {
	rec := opendata.LiveRecord{VehicleID: "V7", DesserteID: "D1"}
	msg, err := kafkaMessage("transit.positions", "bus-feed", rec)
	if err != nil {
		t.Fatalf("kafkaMessage() error = %v", err)
	}
	if string(msg.Key) != "V7" {
		t.Errorf("Key = %q, want V7", msg.Key)
	}
	if *msg.TopicPartition.Topic != "transit.positions" {
		t.Errorf("Topic = %q", *msg.TopicPartition.Topic)
	}
	var m Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		t.Fatal(err)
	}
	if m.Username != "bus-feed" || !strings.Contains(m.Message, `"vehicle_id":"V7"`) {
		t.Errorf("Value = %s", msg.Value)
	}
}
