package geoindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakeCommander struct {
	calls   [][]any
	replies map[string]any
	err     error
}

func (f *fakeCommander) Do(_ context.Context, args ...any) *redis.Cmd {
	f.calls = append(f.calls, args)
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	name := fmt.Sprint(args[0])
	if reply, ok := f.replies[name]; ok {
		return redis.NewCmdResult(reply, nil)
	}
	return redis.NewCmdResult("OK", nil)
}

func (f *fakeCommander) Close() error { return nil }

func TestTile38_UpsertPointCommand(t *testing.T) {
	fake := &fakeCommander{}
	idx := NewTile38(fake)

	if err := idx.UpsertPoint(context.Background(), StopCollection, "S1", "Republique", 48.85, 2.35); err != nil {
		t.Fatal(err)
	}

	want := []any{"SET", "stopList", "S1", "FIELD", "name", "Republique", "POINT", 48.85, 2.35}
	if !reflect.DeepEqual(fake.calls[0], want) {
		t.Errorf("command = %v, want %v", fake.calls[0], want)
	}
}

func TestTile38_WatchNearbyCommand(t *testing.T) {
	fake := &fakeCommander{}
	idx := NewTile38(fake)

	if err := idx.WatchNearby(context.Background(), "bus_stop", StopCollection, 48.85, 2.35, 100); err != nil {
		t.Fatal(err)
	}

	want := []any{"SETCHAN", "bus_stop", "NEARBY", "stopList", "POINT", 48.85, 2.35, 100.0}
	if !reflect.DeepEqual(fake.calls[0], want) {
		t.Errorf("command = %v, want %v", fake.calls[0], want)
	}
}

func TestTile38_NearbyParsesPoints(t *testing.T) {
	fake := &fakeCommander{replies: map[string]any{
		"NEARBY": []any{
			int64(0),
			[]any{
				[]any{"S2", []any{"48.8510", "2.3510"}},
				[]any{"S1", []any{"48.85", "2.35"}, []any{"name", "Republique"}},
			},
		},
	}}
	idx := NewTile38(fake)

	points, err := idx.Nearby(context.Background(), StopCollection, 48.8501, 2.3501, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d points", len(points))
	}
	if points[0].ID != "S1" || points[0].Name != "Republique" {
		t.Errorf("closest point = %+v, want S1 Republique", points[0])
	}
	if points[1].ID != "S2" {
		t.Errorf("second point = %+v", points[1])
	}
}

func TestTile38_NearbyMalformedReply(t *testing.T) {
	fake := &fakeCommander{replies: map[string]any{"NEARBY": "garbage"}}
	idx := NewTile38(fake)

	if _, err := idx.Nearby(context.Background(), StopCollection, 48.85, 2.35, 100); err == nil {
		t.Error("expected error for malformed reply")
	}
}

func TestTile38_ChannelsAndFlush(t *testing.T) {
	fake := &fakeCommander{replies: map[string]any{
		"CHANS": []any{
			[]any{"bus_stop", "stopList", []any{"nearby", "stopList", "point", "48.85", "2.35", "100"}, []any{}, []any{}},
			[]any{"bus_stop:S2", "stopList", []any{"NEARBY", "stopList", "FENCE", "POINT", "48.86", "2.36", "250.5"}},
			[]any{"depot", "stopList", []any{"NEARBY", "stopList", "POINT", "bad"}},
		},
	}}
	idx := NewTile38(fake)
	ctx := context.Background()

	watches, err := idx.Channels(ctx, "*")
	if err != nil {
		t.Fatal(err)
	}
	want := []Watch{
		{Channel: "bus_stop", Collection: "stopList", Lat: 48.85, Lon: 2.35, Radius: 100},
		{Channel: "bus_stop:S2", Collection: "stopList", Lat: 48.86, Lon: 2.36, Radius: 250.5},
		{Channel: "depot", Collection: "stopList"},
	}
	if len(watches) != len(want) {
		t.Fatalf("Channels() = %+v, want %d watches", watches, len(want))
	}
	for i := range want {
		if watches[i] != want[i] {
			t.Errorf("watch %d = %+v, want %+v", i, watches[i], want[i])
		}
	}

	if err := idx.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if last := fake.calls[len(fake.calls)-1]; last[0] != "FLUSHDB" {
		t.Errorf("last command = %v, want FLUSHDB", last)
	}
}

func TestTile38_PropagatesConnectionErrors(t *testing.T) {
	boom := errors.New("dial tcp 127.0.0.1:9851: connection refused")
	idx := NewTile38(&fakeCommander{err: boom})

	err := idx.UpsertPoint(context.Background(), StopCollection, "S1", "", 48.85, 2.35)
	if !errors.Is(err, boom) {
		t.Errorf("UpsertPoint error = %v, want wrapped %v", err, boom)
	}
}

func TestTile38_Integration(t *testing.T) {
	addr := os.Getenv("TILE38_ADDR")
	if addr == "" {
		t.Skip("TILE38_ADDR not set, skipping integration test")
	}
	ctx := context.Background()

	idx := NewTile38(redis.NewClient(&redis.Options{Addr: addr, Protocol: 2, DisableIdentity: true}))
	defer idx.Close()

	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := idx.UpsertPoint(ctx, StopCollection, "S1", "Republique", 48.85, 2.35); err != nil {
		t.Fatalf("UpsertPoint: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := idx.WatchNearby(ctx, "bus_stop:S1", StopCollection, 48.85, 2.35, 100); err != nil {
			t.Fatalf("WatchNearby: %v", err)
		}
	}

	points, err := idx.Nearby(ctx, StopCollection, 48.8501, 2.3501, 100)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(points) != 1 || points[0].ID != "S1" || points[0].Name != "Republique" {
		t.Errorf("Nearby() = %+v", points)
	}

	watches, err := idx.Channels(ctx, "bus_stop:*")
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if len(watches) != 1 {
		t.Errorf("got %d channels, want 1", len(watches))
	}
}
