package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/activity"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/auth"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/database"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/engine"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/protocol"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/replica"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	ticketSigningSecret = "integration-secret"
	integrationRoom     = "studio"
	frameTimeout        = 2 * time.Second
)

type client struct {
	t      *testing.T
	conn   *websocket.Conn
	mirror *replica.Replica
}

func dial(t *testing.T, serverURL, ticket string) *client {
	t.Helper()
	endpoint := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if ticket != "" {
		endpoint += "?ticket=" + url.QueryEscape(ticket)
	}
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", endpoint, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &client{t: t, conn: conn, mirror: replica.New()}
}

func (c *client) send(event protocol.Event, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.t.Fatalf("encode %s: %v", event, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame.Bytes); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
}

// await applies every frame to the mirror until the named event arrives.
func (c *client) await(event protocol.Event) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			c.t.Fatalf("set read deadline: %v", err)
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", event, err)
		}
		envelope, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			c.t.Fatalf("decode frame: %v", err)
		}
		if err := c.mirror.Apply(envelope); err != nil {
			c.t.Fatalf("mirror rejected %s: %v", envelope.Event, err)
		}
		if envelope.Event == event {
			return envelope
		}
	}
}

func (c *client) join(username string) protocol.Session {
	c.t.Helper()
	c.send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: integrationRoom, Username: username})
	var session protocol.Session
	if err := c.await(protocol.EventSession).Decode(&session); err != nil {
		c.t.Fatalf("decode session: %v", err)
	}
	c.await(protocol.EventCanvasState)
	return session
}

func (c *client) stroke(color string, points ...canvas.Point) canvas.OperationID {
	c.t.Helper()
	start := protocol.DrawStart{Type: "brush", Color: color, LineWidth: 3, Points: points[:1], Timestamp: 1700000000000}
	if err := c.mirror.BeginStroke(start); err != nil {
		c.t.Fatalf("begin stroke: %v", err)
	}
	c.send(protocol.EventDrawStart, start)
	var ack protocol.DrawStartAck
	if err := c.await(protocol.EventDrawStartAck).Decode(&ack); err != nil {
		c.t.Fatalf("decode ack: %v", err)
	}
	for _, point := range points[1:] {
		if err := c.mirror.AppendLocal(point); err != nil {
			c.t.Fatalf("append local: %v", err)
		}
		c.send(protocol.EventDrawPoint, protocol.DrawPoint{Point: &point})
	}
	if err := c.mirror.EndLocal(); err != nil {
		c.t.Fatalf("end local: %v", err)
	}
	c.send(protocol.EventDrawEnd, protocol.DrawEnd{})
	return ack.OperationID
}

func newIntegrationServer(t *testing.T) (*httptest.Server, *server.ConnectionHub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	activityService, err := activity.NewService(activity.ServiceConfig{
		Database:   db,
		IDProvider: activity.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build activity service: %v", err)
	}
	tickets, err := auth.NewTicketIssuer(auth.TicketIssuerConfig{SigningSecret: []byte(ticketSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build ticket issuer: %v", err)
	}

	hub := server.NewConnectionHub(0, zap.NewNop())
	canvasEngine, err := engine.New(engine.Config{
		Registry:  rooms.NewRegistry(),
		Transport: hub,
		Recorder:  activityService,
		Tickets:   tickets,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:   canvasEngine,
		Hub:      hub,
		Tickets:  tickets,
		Activity: activityService,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return testServer, hub
}

func waitReleased(t *testing.T, hub *server.ConnectionHub, userID canvas.UserID) {
	t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for hub.Connected(userID) {
		if time.Now().After(deadline) {
			t.Fatalf("connection for %s was never released", userID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// settle round-trips a full-state request so every earlier frame on the
// connection has been handled.
func (c *client) settle() {
	c.t.Helper()
	c.send(protocol.EventRequestFullState, protocol.RequestFullState{})
	c.await(protocol.EventCanvasState)
}

func getJSON(t *testing.T, endpoint string, target any) {
	t.Helper()
	response, err := http.Get(endpoint)
	if err != nil {
		t.Fatalf("GET %s: %v", endpoint, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", endpoint, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("decode %s: %v", endpoint, err)
	}
}

func TestReplicasConvergeOverWebSocket(t *testing.T) {
	testServer, hub := newIntegrationServer(t)

	alice := dial(t, testServer.URL, "")
	bob := dial(t, testServer.URL, "")
	aliceSession := alice.join("Alice")
	bob.join("Bob")
	alice.await(protocol.EventUserJoined)

	first := alice.stroke("#FF0000", canvas.Point{X: 1, Y: 1}, canvas.Point{X: 2, Y: 2}, canvas.Point{X: 3, Y: 3})
	bob.await(protocol.EventDrawEnd)
	second := bob.stroke("#00FF00", canvas.Point{X: 5, Y: 5}, canvas.Point{X: 6, Y: 6})
	bob.settle()
	alice.await(protocol.EventDrawEnd)
	if first != 1 || second != 2 {
		t.Fatalf("expected sequential ids 1 and 2, got %d and %d", first, second)
	}

	alice.send(protocol.EventUndo, protocol.Undo{})
	alice.await(protocol.EventUndoOperation)
	bob.await(protocol.EventUndoOperation)

	var state protocol.CanvasState
	getJSON(t, testServer.URL+"/rooms/"+integrationRoom+"/state", &state)
	if len(state.Operations) != 2 || !state.Operations[0].Undone || state.Operations[1].Undone {
		t.Fatalf("unexpected server state %+v", state.Operations)
	}
	for name, mirror := range map[string]*replica.Replica{"alice": alice.mirror, "bob": bob.mirror} {
		if !reflect.DeepEqual(mirror.Operations(), state.Operations) {
			t.Fatalf("%s diverged:\n mirror=%+v\n server=%+v", name, mirror.Operations(), state.Operations)
		}
		if rendered := mirror.Rendered(); len(rendered) != 1 || rendered[0].ID != second {
			t.Fatalf("%s renders %+v, expected only operation %d", name, rendered, second)
		}
		if len(mirror.Users()) != 2 {
			t.Fatalf("%s sees %d users, expected 2", name, len(mirror.Users()))
		}
	}

	_ = alice.conn.Close()
	bob.await(protocol.EventUserLeft)
	if len(bob.mirror.Users()) != 1 {
		t.Fatalf("expected bob to see alice leave, got %+v", bob.mirror.Users())
	}

	waitReleased(t, hub, aliceSession.UserID)

	// The reconnect ticket restores alice's identity, so her redo stack survives.
	returning := dial(t, testServer.URL, aliceSession.Ticket)
	if restored := returning.join("Alice"); restored.UserID != aliceSession.UserID {
		t.Fatalf("expected identity %s, got %s", aliceSession.UserID, restored.UserID)
	}
	returning.send(protocol.EventRedo, protocol.Redo{})
	var notice protocol.HistoryNotice
	if err := returning.await(protocol.EventRedoOperation).Decode(&notice); err != nil {
		t.Fatalf("decode redo notice: %v", err)
	}
	if notice.OperationID != first {
		t.Fatalf("expected redo of %d, got %+v", first, notice)
	}
	returning.settle()

	bob.await(protocol.EventRedoOperation)
	if rendered := bob.mirror.Rendered(); len(rendered) != 2 {
		t.Fatalf("expected both strokes rendered after redo, got %+v", rendered)
	}

	var journal []struct {
		Kind activity.Kind `json:"kind"`
	}
	getJSON(t, testServer.URL+"/rooms/"+integrationRoom+"/activity", &journal)
	counts := map[activity.Kind]int{}
	for _, entry := range journal {
		counts[entry.Kind]++
	}
	if counts[activity.KindJoined] != 3 || counts[activity.KindStrokeFinalized] != 2 || counts[activity.KindUndo] != 1 || counts[activity.KindRedo] != 1 || counts[activity.KindLeft] != 1 {
		t.Fatalf("unexpected journal %+v", counts)
	}
}
