package events

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:   0, // random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

func TestServerStartStop(t *testing.T) {
	server := startTestServer(t)

	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}
}

func TestRecordsChangedBroadcast(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(100 * time.Millisecond)
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	server.RecordsChanged([]string{"CHAT_1", "CHAT_2"}, "synced")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	if ev.Type != EventRecordsChanged {
		t.Fatalf("Expected event type %s, got %s", EventRecordsChanged, ev.Type)
	}

	var rc RecordsChangedData
	if err := json.Unmarshal(ev.Data, &rc); err != nil {
		t.Fatalf("Failed to unmarshal event data: %v", err)
	}
	if len(rc.IDs) != 2 || rc.Action != "synced" {
		t.Errorf("Unexpected event data: %+v", rc)
	}
}

func TestStatusBroadcast(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(100 * time.Millisecond)
	server.Status("running", nil)

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	if ev.Type != EventStatus {
		t.Fatalf("Expected event type %s, got %s", EventStatus, ev.Type)
	}

	var sd StatusData
	if err := json.Unmarshal(ev.Data, &sd); err != nil {
		t.Fatalf("Failed to unmarshal status data: %v", err)
	}
	if sd.State != "running" || sd.Error != "" {
		t.Errorf("Unexpected status data: %+v", sd)
	}
}

func TestNilServerIsSafe(t *testing.T) {
	var server *Server

	server.RecordsChanged([]string{"CHAT_1"}, "synced")
	server.Status("idle", nil)

	if server.ClientCount() != 0 {
		t.Error("nil server reported clients")
	}
	if err := server.Stop(); err != nil {
		t.Errorf("nil server Stop returned error: %v", err)
	}
}

func TestEmptyIDsNotBroadcast(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(100 * time.Millisecond)
	server.RecordsChanged(nil, "synced")
	server.Status("idle", nil)

	// The first frame must be the status event, not an empty change set.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	if ev.Type != EventStatus {
		t.Errorf("Expected status event first, got %s", ev.Type)
	}
}
