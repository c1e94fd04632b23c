// Package ui is the local control surface. A touch front end drives the
// controller through its websocket and reads session state over HTTP.
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gopad/models"
	"gopad/router"
	"gopad/session"
	"gopad/storage"
)

const (
	messageTypeStatus  = "status"
	messageTypeError   = "error"
	gesturePressStart  = "press_start"
	gesturePressEnd    = "press_end"
	gestureJoystick    = "joystick"
	gestureJoyRelease  = "joystick_release"
	defaultHistorySize = 50
)

// ErrNoGestures is returned to websocket clients of a host process.
var ErrNoGestures = errors.New("ui: this device does not send controller input")

// Session is the part of the session manager the control surface drives.
type Session interface {
	Snapshot() session.Status
	Role() models.Role
	Start(role models.Role) error
	Stop()
	Invite(peerID string) <-chan session.InviteResult
}

// Gestures receives controller gestures. *router.Router implements it.
type Gestures interface {
	OnPressStart(control router.Control) error
	OnPressEnd(control router.Control) error
	OnJoystickDrag(channel router.Channel, x, y float64) error
	OnJoystickRelease(channel router.Channel) error
	ReleaseAll()
}

// History reads persisted connection history. *storage.Store implements it.
type History interface {
	ListPeers() ([]storage.KnownPeer, error)
	GetSessionEvents(filter storage.SessionEventFilter) ([]storage.SessionEvent, error)
}

// Health reports OS input delivery problems. *translate.Engine implements it.
type Health interface {
	Degraded() bool
	LastError() error
}

// Options wires a Server. Only Session is required.
type Options struct {
	DeviceName string
	Session    Session
	Gestures   Gestures
	History    History
	Health     Health
}

// StatusView is the payload of GET /api/status and websocket status pushes.
type StatusView struct {
	session.Status
	DeviceName     string `json:"device_name,omitempty"`
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

type knownPeerView struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
	Role           string `json:"role,omitempty"`
	FirstSeen      int64  `json:"first_seen"`
	LastConnected  int64  `json:"last_connected"`
	ConnectCount   int    `json:"connect_count"`
}

type historyEventView struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	PeerDeviceID string          `json:"peer_device_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

type gestureMessage struct {
	Type    string  `json:"type"`
	Control string  `json:"control,omitempty"`
	Channel string  `json:"channel,omitempty"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

type outboundMessage struct {
	Type   string      `json:"type"`
	Event  string      `json:"event,omitempty"`
	Status *StatusView `json:"status,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server serves the HTTP API and the gesture websocket.
type Server struct {
	opts   Options
	router *gin.Engine
	hub    *hub
	http   *http.Server
}

// NewServer builds the gin router for opts.
func NewServer(opts Options) (*Server, error) {
	if opts.Session == nil {
		return nil, errors.New("ui: session is required")
	}
	s := &Server{
		opts: opts,
		hub:  newHub(),
	}
	s.setRouter()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) setRouter() {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/peers", s.handlePeers)
		api.POST("/peers/:id/invite", s.handleInvite)
		api.POST("/session/restart", s.handleRestart)
		api.GET("/history", s.handleHistory)
	}
	r.GET("/ws", func(c *gin.Context) {
		s.serveWS(c.Writer, c.Request)
	})

	s.router = r
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts control connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	err := s.http.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes websocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	return s.http.Shutdown(ctx)
}

// Run pushes a status update for every session event until ctx ends.
func (s *Server) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.publish(ev)
		}
	}
}

// PublishStatus pushes the current status to every websocket client.
func (s *Server) PublishStatus(reason string) {
	status := s.status()
	s.hub.broadcast(outboundMessage{Type: messageTypeStatus, Event: reason, Status: &status})
}

func (s *Server) publish(ev session.Event) {
	switch ev.Type {
	case session.EventConnected:
		log.Printf("ui: controller session started peer=%s name=%q", ev.Peer.DeviceID, ev.Peer.DeviceName)
	case session.EventLinkLost:
		log.Printf("ui: controller session ended peer=%s err=%v", ev.Peer.DeviceID, ev.Err)
	}
	status := s.status()
	message := outboundMessage{Type: messageTypeStatus, Event: string(ev.Type), Status: &status}
	if ev.Err != nil {
		message.Error = ev.Err.Error()
	}
	s.hub.broadcast(message)
}

func (s *Server) status() StatusView {
	view := StatusView{
		Status:     s.opts.Session.Snapshot(),
		DeviceName: s.opts.DeviceName,
	}
	if view.DiscoveredPeers == nil {
		view.DiscoveredPeers = []models.Peer{}
	}
	if s.opts.Health != nil && s.opts.Health.Degraded() {
		view.Degraded = true
		if err := s.opts.Health.LastError(); err != nil {
			view.DegradedReason = err.Error()
		}
	}
	return view
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) handlePeers(c *gin.Context) {
	known := []knownPeerView{}
	if s.opts.History != nil {
		peers, err := s.opts.History.ListPeers()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, peer := range peers {
			known = append(known, knownPeerView(peer))
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"discovered": s.status().DiscoveredPeers,
		"known":      known,
	})
}

func (s *Server) handleInvite(c *gin.Context) {
	peerID := c.Param("id")
	select {
	case result := <-s.opts.Session.Invite(peerID):
		if result.Err != nil {
			c.JSON(inviteStatusCode(result.Err), gin.H{"error": result.Err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"peer": result.Peer})
	case <-c.Request.Context().Done():
		c.JSON(http.StatusRequestTimeout, gin.H{"error": c.Request.Context().Err().Error()})
	}
}

func inviteStatusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotStarted), errors.Is(err, session.ErrWrongRole):
		return http.StatusConflict
	case errors.Is(err, session.ErrInviteRejected):
		return http.StatusForbidden
	case errors.Is(err, session.ErrInviteTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// handleRestart ends the active session and resumes advertising or discovery.
func (s *Server) handleRestart(c *gin.Context) {
	role := s.opts.Session.Role()
	if role == "" {
		c.JSON(http.StatusConflict, gin.H{"error": session.ErrNotStarted.Error()})
		return
	}
	if s.opts.Gestures != nil {
		s.opts.Gestures.ReleaseAll()
	}
	s.opts.Session.Stop()
	if err := s.opts.Session.Start(role); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.PublishStatus("restarted")
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.opts.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not available"})
		return
	}

	filter := storage.SessionEventFilter{
		EventType:    c.Query("type"),
		PeerDeviceID: c.Query("peer"),
		Limit:        defaultHistorySize,
	}
	var err error
	if raw := c.Query("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil || filter.Limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit %q", raw)})
			return
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if filter.Offset, err = strconv.Atoi(raw); err != nil || filter.Offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid offset %q", raw)})
			return
		}
	}

	events, err := s.opts.History.GetSessionEvents(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]historyEventView, 0, len(events))
	for _, ev := range events {
		view := historyEventView{
			EventID:   ev.EventID,
			EventType: ev.EventType,
			Timestamp: ev.Timestamp,
		}
		if ev.PeerDeviceID != nil {
			view.PeerDeviceID = *ev.PeerDeviceID
		}
		if json.Valid([]byte(ev.Details)) {
			view.Details = json.RawMessage(ev.Details)
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"events": views})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ui: websocket upgrade failed addr=%s err=%v", r.RemoteAddr, err)
		return
	}

	client := newWSClient(s.hub, conn, r.RemoteAddr)
	total := s.hub.register(client)
	log.Printf("ui: control client connected addr=%s total=%d", client.addr, total)

	status := s.status()
	client.sendJSON(outboundMessage{Type: messageTypeStatus, Event: "hello", Status: &status})

	go client.writePump()
	go func() {
		client.readPump(s.handleGesture)
		remaining := s.hub.unregister(client)
		log.Printf("ui: control client disconnected addr=%s total=%d", client.addr, remaining)
		// Gestures cannot end without a client, so lift anything still pressed.
		if remaining == 0 && s.opts.Gestures != nil {
			s.opts.Gestures.ReleaseAll()
		}
	}()
}

func (s *Server) handleGesture(client *wsClient, data []byte) {
	var msg gestureMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		client.sendJSON(outboundMessage{Type: messageTypeError, Error: fmt.Sprintf("invalid message: %v", err)})
		return
	}
	if err := s.applyGesture(msg); err != nil {
		client.sendJSON(outboundMessage{Type: messageTypeError, Event: msg.Type, Error: err.Error()})
	}
}

func (s *Server) applyGesture(msg gestureMessage) error {
	if s.opts.Gestures == nil {
		return ErrNoGestures
	}
	switch msg.Type {
	case gesturePressStart, gesturePressEnd:
		control, err := router.ParseControl(msg.Control)
		if err != nil {
			return err
		}
		if msg.Type == gesturePressStart {
			return s.opts.Gestures.OnPressStart(control)
		}
		return s.opts.Gestures.OnPressEnd(control)
	case gestureJoystick, gestureJoyRelease:
		channel, err := router.ParseChannel(msg.Channel)
		if err != nil {
			return err
		}
		if msg.Type == gestureJoystick {
			return s.opts.Gestures.OnJoystickDrag(channel, msg.X, msg.Y)
		}
		return s.opts.Gestures.OnJoystickRelease(channel)
	default:
		return fmt.Errorf("ui: unknown message type %q", msg.Type)
	}
}
