package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ims/calc-engine/internal/events"
)

func TestHub_BroadcastsToClients(t *testing.T) {
	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration is asynchronous; publish until the client sees one.
	received := make(chan events.Event, 1)
	go func() {
		var e events.Event
		if err := conn.ReadJSON(&e); err == nil {
			received <- e
		}
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e := <-received:
			if e.Type != events.LocateApproved || e.ID != "L-1" || e.Timestamp.IsZero() {
				t.Errorf("event = %+v", e)
			}
			return
		case <-tick.C:
			hub.Publish(events.Event{Type: events.LocateApproved, ID: "L-1", Status: "APPROVED"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestEvent_JSON(t *testing.T) {
	data, err := json.Marshal(events.Event{Type: events.OrderValidated, ID: "O-1", Quantity: "5000"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"type":"order.validated"`) || strings.Contains(s, "clientId") {
		t.Errorf("json = %s", s)
	}
}

func TestRecorder(t *testing.T) {
	var rec events.Recorder
	rec.Publish(events.Event{Type: events.RulesChanged})
	got := rec.Events()
	got[0].Type = "mutated"
	if rec.Events()[0].Type != events.RulesChanged {
		t.Error("Events must return a copy")
	}
}
