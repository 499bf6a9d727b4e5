package marketloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is an inbound socket frame: a type tag plus a raw payload that is
// decoded per event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is an outbound socket frame.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Outbound command types.
const (
	cmdJoinConversations = "join-conversations"
	cmdSendMessage       = "send-message"
	cmdTypingStart       = "typing-start"
	cmdTypingStop        = "typing-stop"
	cmdMarkRead          = "mark-read"
	cmdPing              = "ping"
)

// Server-pushed event types.
const (
	EventNewMessage          = "new-message"
	EventTypingStart         = "typing-start"
	EventTypingStop          = "typing-stop"
	EventMessagesRead        = "messages-read"
	EventMessageDelete       = "message-delete"
	EventConversationUpdate  = "conversation-update"
	EventConversationArchive = "conversation-archive"
	EventConversationDelete  = "conversation-delete"

	evConnectionConfirmed = "connection-confirmed"
	evRoomsJoined         = "rooms-joined"
	evRoomJoinError       = "room-join-error"
	evPong                = "pong"
	evError               = "error"
)

// Client-side lifecycle events. These never travel over the wire: the
// realtime client synthesizes them so applications can react to connection
// state without polling.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventReconnected     = "reconnected"
	EventReconnectFailed = "reconnect-failed"
)

// TypingPayload accompanies typing-start and typing-stop events.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MessagesReadPayload accompanies messages-read events.
type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MessageDeletePayload accompanies message-delete events.
type MessageDeletePayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type roomsJoinedPayload struct {
	Rooms []string `json:"rooms"`
}

type roomJoinErrorPayload struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

type connectionConfirmedPayload struct {
	UserID string `json:"userId"`
}

type pongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type pingPayload struct {
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"clientId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeState describes the socket lifecycle.
type RealtimeState int

const (
	StateDisconnected RealtimeState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s RealtimeState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// RealtimeConfig tunes the realtime client. The zero value enables automatic
// reconnection with the default backoff schedule.
type RealtimeConfig struct {
	// DisableAutoReconnect turns off automatic recovery after transport
	// drops. ManualReconnect and ForceReconnect still work.
	DisableAutoReconnect bool

	// MaxReconnectAttempts caps consecutive automatic attempts before the
	// client gives up and emits reconnect-failed. Defaults to 10.
	MaxReconnectAttempts int

	ReconnectBaseDelay time.Duration // first retry delay, default 1s
	ReconnectMaxDelay  time.Duration // backoff ceiling, default 30s
	HandshakeTimeout   time.Duration // dial + confirmation budget, default 10s
	PingInterval       time.Duration // keepalive cadence, default 30s

	// SendWait bounds how long outbound operations wait for the connection
	// to come up before failing with ErrNotConnected. Defaults to 5s.
	SendWait time.Duration

	Logger *slog.Logger
}

func (c *RealtimeConfig) withDefaults() *RealtimeConfig {
	out := RealtimeConfig{}
	if c != nil {
		out = *c
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 10
	}
	if out.ReconnectBaseDelay <= 0 {
		out.ReconnectBaseDelay = time.Second
	}
	if out.ReconnectMaxDelay <= 0 {
		out.ReconnectMaxDelay = 30 * time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.SendWait <= 0 {
		out.SendWait = 5 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &out
}

// ============================================================================
// Reconnection backoff
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(base, max time.Duration, attempts int) *reconnector {
	return &reconnector{baseDelay: base, maxDelay: max, maxAttempts: attempts}
}

// nextDelay returns the delay before the next attempt and advances the
// counter. Delays double from the base, carry a small jitter, and never
// exceed the ceiling or shrink between consecutive attempts.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := time.Duration(float64(r.baseDelay) * math.Pow(2, float64(r.attempt)))
	if d < r.maxDelay {
		d += time.Duration(rand.Int63n(int64(r.baseDelay)/2 + 1))
	}
	if d > r.maxDelay {
		d = r.maxDelay
	}
	r.attempt++
	return d
}

func (r *reconnector) shouldRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt < r.maxAttempts
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// ============================================================================
// Event dispatcher
// ============================================================================

type registration struct {
	key string
	fn  func(Envelope)
}

// eventDispatcher fans envelopes out to registered handlers. Registration is
// keyed: registering the same (event, key) pair again replaces the earlier
// handler in place, so re-rendering UI layers never stack duplicates.
// Dispatch is synchronous and preserves registration order; a panicking
// handler is isolated from its peers.
type eventDispatcher struct {
	mu       sync.Mutex
	handlers map[string][]registration
	logger   *slog.Logger
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{handlers: make(map[string][]registration), logger: logger}
}

func (d *eventDispatcher) on(event, key string, fn func(Envelope)) func() {
	if key == "" {
		key = uuid.NewString()
	}
	d.mu.Lock()
	regs := d.handlers[event]
	replaced := false
	for i := range regs {
		if regs[i].key == key {
			regs[i].fn = fn
			replaced = true
			break
		}
	}
	if !replaced {
		d.handlers[event] = append(regs, registration{key: key, fn: fn})
	}
	d.mu.Unlock()

	return func() { d.off(event, key) }
}

func (d *eventDispatcher) off(event, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.handlers[event]
	for i := range regs {
		if regs[i].key == key {
			d.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.Lock()
	regs := make([]registration, len(d.handlers[env.Type]))
	copy(regs, d.handlers[env.Type])
	d.mu.Unlock()

	for _, reg := range regs {
		d.invoke(env, reg)
	}
}

func (d *eventDispatcher) invoke(env Envelope, reg registration) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("event handler panicked",
				"event", env.Type, "key", reg.key, "panic", rec)
		}
	}()
	reg.fn(env)
}

func (d *eventDispatcher) clear() {
	d.mu.Lock()
	d.handlers = make(map[string][]registration)
	d.mu.Unlock()
}

// ============================================================================
// Realtime client
// ============================================================================

// RealtimeClient maintains the websocket session: connection lifecycle with
// automatic reconnection, room membership, keepalive, and event fan-out.
// Construct it with Client.Realtime.
type RealtimeClient struct {
	client   *Client
	config   *RealtimeConfig
	logger   *slog.Logger
	clientID string

	dispatcher *eventDispatcher
	recon      *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	everConnected    bool
	cancelConn       context.CancelFunc
	reconnectTimer   *time.Timer

	roomsMu sync.Mutex
	pending map[string]struct{}
	joined  map[string]struct{}
}

// Realtime returns a realtime client bound to this API client's base URL and
// auth token. config may be nil for defaults.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := config.withDefaults()
	return &RealtimeClient{
		client:     c,
		config:     cfg,
		logger:     cfg.Logger,
		clientID:   uuid.NewString(),
		dispatcher: newEventDispatcher(cfg.Logger),
		recon:      newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts),
		pending:    make(map[string]struct{}),
		joined:     make(map[string]struct{}),
	}
}

// socketURL derives the websocket endpoint from the API base URL by dropping
// the API path suffix and switching the scheme, then appends the auth token.
func (r *RealtimeClient) socketURL() (string, error) {
	token := r.client.Token()
	if token == "" {
		return "", ErrNoToken
	}
	u, err := url.Parse(r.client.BaseURL())
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/socket"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// State reports the current connection state.
func (r *RealtimeClient) State() RealtimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connected reports whether the socket is up and confirmed.
func (r *RealtimeClient) Connected() bool {
	return r.State() == StateConnected
}

// Connect establishes the socket session. It is a no-op when a connection is
// already up or in progress. On failure with auto-reconnect enabled the
// client keeps retrying in the background; the error of the first attempt is
// still returned.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateDisconnected {
		// Connected, or a dial (user-initiated or a scheduled reconnect
		// attempt) is already in flight.
		r.mu.Unlock()
		return nil
	}
	r.state = StateConnecting
	r.intentionalClose = false
	r.mu.Unlock()

	if err := r.connectOnce(ctx); err != nil {
		if !errors.Is(err, ErrNoToken) {
			r.maybeScheduleReconnect()
		}
		return err
	}
	return nil
}

// connectOnce performs a single dial + handshake. The caller must have moved
// state to Connecting or Reconnecting.
func (r *RealtimeClient) connectOnce(ctx context.Context) error {
	wsURL, err := r.socketURL()
	if err != nil {
		r.setState(StateDisconnected)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: r.client.httpClient,
	})
	if err != nil {
		r.setState(StateDisconnected)
		return fmt.Errorf("dial socket: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	// The server must confirm the session before the connection counts.
	var env Envelope
	if err := wsjson.Read(dialCtx, conn, &env); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake timeout")
		r.setState(StateDisconnected)
		return fmt.Errorf("await confirmation: %w", err)
	}
	if env.Type != evConnectionConfirmed {
		conn.Close(websocket.StatusPolicyViolation, "unexpected handshake frame")
		r.setState(StateDisconnected)
		return fmt.Errorf("handshake: expected %s, got %s", evConnectionConfirmed, env.Type)
	}
	var confirmed connectionConfirmedPayload
	_ = json.Unmarshal(env.Payload, &confirmed)

	connCtx, cancelConn := context.WithCancel(context.Background())

	r.mu.Lock()
	if r.intentionalClose {
		// Disconnect won the race while the dial was in flight.
		r.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		cancelConn()
		return ErrNotConnected
	}
	// At most one live transport: a concurrent dial that finished first is
	// superseded by this one.
	oldConn := r.conn
	oldCancel := r.cancelConn
	wasReconnect := r.everConnected
	r.conn = conn
	r.state = StateConnected
	r.everConnected = true
	r.cancelConn = cancelConn
	r.mu.Unlock()

	if oldConn != nil {
		oldConn.Close(websocket.StatusGoingAway, "superseded")
	}
	if oldCancel != nil {
		oldCancel()
	}
	r.recon.reset()

	r.logger.Info("socket connected", "userId", confirmed.UserID, "reconnect", wasReconnect)

	// Rejoin every tracked room before the read loop starts, so no inbound
	// event can be observed ahead of membership being restored.
	if rooms := r.roomSet(); len(rooms) > 0 {
		if err := wsjson.Write(dialCtx, conn, Command{Type: cmdJoinConversations, Payload: rooms}); err != nil {
			conn.Close(websocket.StatusInternalError, "room rejoin failed")
			cancelConn()
			r.setState(StateDisconnected)
			return fmt.Errorf("rejoin rooms: %w", err)
		}
	}

	go r.readLoop(connCtx, conn)
	go r.pingLoop(connCtx, conn)

	if wasReconnect {
		r.emit(EventReconnected, nil)
	}
	r.emit(EventConnected, nil)
	return nil
}

func (r *RealtimeClient) setState(s RealtimeState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Disconnect closes the session on purpose: no reconnection is attempted,
// room membership is forgotten, and all handlers are deregistered. Safe to
// call repeatedly.
func (r *RealtimeClient) Disconnect() {
	r.mu.Lock()
	r.intentionalClose = true
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	conn := r.conn
	cancel := r.cancelConn
	r.conn = nil
	r.cancelConn = nil
	r.state = StateDisconnected
	r.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}

	r.roomsMu.Lock()
	r.pending = make(map[string]struct{})
	r.joined = make(map[string]struct{})
	r.roomsMu.Unlock()

	r.emit(EventDisconnected, mustJSON(map[string]string{"reason": "client disconnect"}))
	r.dispatcher.clear()
}

// ForceReconnect tears down whatever transport exists and dials again,
// bypassing the already-connected guard. Used when the session looks wedged.
func (r *RealtimeClient) ForceReconnect(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	cancel := r.cancelConn
	r.conn = nil
	r.cancelConn = nil
	r.intentionalClose = false
	r.state = StateReconnecting
	r.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "forced reconnect")
	}
	if cancel != nil {
		cancel()
	}

	if err := r.connectOnce(ctx); err != nil {
		if !errors.Is(err, ErrNoToken) {
			r.maybeScheduleReconnect()
		}
		return err
	}
	return nil
}

// ManualReconnect resets the attempt counter and reconnects. This is the
// recovery path after the client has given up automatic retries.
func (r *RealtimeClient) ManualReconnect(ctx context.Context) error {
	r.recon.reset()
	return r.ForceReconnect(ctx)
}

// SetVisible tells the client the application became visible or hidden.
// Becoming visible validates the session: reconnect if down, otherwise ping.
func (r *RealtimeClient) SetVisible(ctx context.Context, visible bool) {
	if !visible {
		return
	}
	if !r.Connected() {
		r.recon.reset()
		if err := r.Connect(ctx); err != nil {
			r.logger.Warn("reconnect on visibility failed", "error", err)
		}
		return
	}
	if err := r.Ping(ctx); err != nil {
		r.logger.Warn("liveness ping failed, forcing reconnect", "error", err)
		if err := r.ForceReconnect(ctx); err != nil {
			r.logger.Warn("forced reconnect failed", "error", err)
		}
	}
}

// SetNetworkOnline tells the client network connectivity changed. Coming
// online forces a fresh connection; going offline takes no action and leaves
// the drop to surface through the transport.
func (r *RealtimeClient) SetNetworkOnline(ctx context.Context, online bool) {
	if !online {
		return
	}
	r.recon.reset()
	if err := r.ForceReconnect(ctx); err != nil {
		r.logger.Warn("reconnect on network recovery failed", "error", err)
	}
}

func (r *RealtimeClient) maybeScheduleReconnect() {
	r.mu.Lock()
	if r.intentionalClose || r.config.DisableAutoReconnect {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if !r.recon.shouldRetry() {
		attempts := r.recon.attempts()
		r.logger.Error("reconnect attempts exhausted", "attempts", attempts)
		r.emit(EventReconnectFailed, mustJSON(map[string]int{"attempts": attempts}))
		return
	}

	delay := r.recon.nextDelay()
	r.logger.Info("scheduling reconnect", "attempt", r.recon.attempts(), "delay", delay)

	r.mu.Lock()
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
	}
	r.reconnectTimer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.intentionalClose || r.state != StateDisconnected {
			r.mu.Unlock()
			return
		}
		r.state = StateReconnecting
		r.mu.Unlock()

		if err := r.connectOnce(context.Background()); err != nil {
			r.logger.Warn("reconnect attempt failed", "error", err)
			r.maybeScheduleReconnect()
		}
	})
	r.mu.Unlock()
}

// ============================================================================
// Read + keepalive loops
// ============================================================================

func (r *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			r.handleDrop(conn, err)
			return
		}
		r.handleEnvelope(env)
	}
}

func (r *RealtimeClient) handleDrop(conn *websocket.Conn, err error) {
	r.mu.Lock()
	if r.conn != conn {
		// A newer connection already replaced this one.
		r.mu.Unlock()
		return
	}
	intentional := r.intentionalClose
	cancel := r.cancelConn
	r.conn = nil
	r.cancelConn = nil
	r.state = StateDisconnected
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.roomsMu.Lock()
	r.joined = make(map[string]struct{})
	r.roomsMu.Unlock()

	if intentional {
		return
	}
	r.logger.Warn("socket dropped", "error", err)
	r.emit(EventDisconnected, mustJSON(map[string]string{"reason": err.Error()}))
	r.maybeScheduleReconnect()
}

func (r *RealtimeClient) handleEnvelope(env Envelope) {
	switch env.Type {
	case evRoomsJoined:
		var p roomsJoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			r.roomsMu.Lock()
			for _, room := range p.Rooms {
				r.joined[room] = struct{}{}
			}
			r.roomsMu.Unlock()
			r.logger.Debug("rooms joined", "count", len(p.Rooms))
		}
	case evRoomJoinError:
		var p roomJoinErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		r.logger.Warn("room join rejected", "room", p.Room, "message", p.Message)
	case evError:
		r.logger.Warn("server error event", "payload", string(env.Payload))
	}
	r.dispatcher.dispatch(env)
}

func (r *RealtimeClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(r.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cmd := Command{Type: cmdPing, Payload: pingPayload{
				Timestamp: time.Now().UnixMilli(),
				ClientID:  r.clientID,
			}}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, cmd)
			cancel()
			if err != nil {
				r.logger.Warn("keepalive write failed", "error", err)
				conn.Close(websocket.StatusAbnormalClosure, "keepalive failed")
				return
			}
		}
	}
}

// Ping sends a ping and waits for the matching pong, bounded by ctx and a
// 10 second ceiling. Used to validate liveness on visibility changes.
func (r *RealtimeClient) Ping(ctx context.Context) error {
	got := make(chan struct{}, 1)
	remove := r.dispatcher.on(evPong, "", func(Envelope) {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	defer remove()

	cmd := Command{Type: cmdPing, Payload: pingPayload{
		Timestamp: time.Now().UnixMilli(),
		ClientID:  r.clientID,
	}}
	if err := r.send(ctx, cmd); err != nil {
		return err
	}

	select {
	case <-got:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("ping: no pong received")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Outbound operations
// ============================================================================

func (r *RealtimeClient) send(ctx context.Context, cmd Command) error {
	r.mu.Lock()
	conn := r.conn
	connected := r.state == StateConnected
	r.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, conn, cmd)
}

// sendWhenConnected sends immediately if the socket is up; otherwise it kicks
// off a reconnect and waits up to SendWait for the connection before failing.
func (r *RealtimeClient) sendWhenConnected(ctx context.Context, cmd Command) error {
	if err := r.send(ctx, cmd); err == nil {
		return nil
	} else if err != ErrNotConnected {
		return err
	}
	if r.client.Token() == "" {
		return ErrNoToken
	}
	if err := r.awaitConnected(ctx); err != nil {
		return err
	}
	return r.send(ctx, cmd)
}

func (r *RealtimeClient) awaitConnected(ctx context.Context) error {
	up := make(chan struct{}, 1)
	remove := r.dispatcher.on(EventConnected, "", func(Envelope) {
		select {
		case up <- struct{}{}:
		default:
		}
	})
	defer remove()

	if r.Connected() {
		return nil
	}
	go func() {
		if err := r.Connect(context.Background()); err != nil {
			r.logger.Debug("background connect failed", "error", err)
		}
	}()

	select {
	case <-up:
		return nil
	case <-time.After(r.config.SendWait):
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinRooms adds conversation rooms to the tracked membership set and, when
// connected, asks the server to join the full set. The set survives
// transport drops and is replayed on every successful connect. Joining while
// disconnected is not an error: membership is restored once the socket is up.
func (r *RealtimeClient) JoinRooms(ctx context.Context, conversationIDs ...string) error {
	r.roomsMu.Lock()
	for _, id := range conversationIDs {
		if id != "" {
			r.pending[id] = struct{}{}
		}
	}
	r.roomsMu.Unlock()

	err := r.send(ctx, Command{Type: cmdJoinConversations, Payload: r.roomSet()})
	if err == ErrNotConnected {
		go func() {
			if cerr := r.Connect(context.Background()); cerr != nil {
				r.logger.Debug("background connect failed", "error", cerr)
			}
		}()
		return nil
	}
	return err
}

// Rooms returns the tracked membership set.
func (r *RealtimeClient) Rooms() []string {
	return r.roomSet()
}

func (r *RealtimeClient) roomSet() []string {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	return out
}

// SendMessage emits a message over the socket. If the socket is down the
// client reconnects and waits briefly before giving up.
func (r *RealtimeClient) SendMessage(ctx context.Context, conversationID, content string) error {
	return r.sendWhenConnected(ctx, Command{Type: cmdSendMessage, Payload: map[string]string{
		"conversationId": conversationID,
		"content":        content,
	}})
}

// StartTyping signals a typing indicator. Best effort: fails fast when
// disconnected.
func (r *RealtimeClient) StartTyping(ctx context.Context, conversationID string) error {
	return r.send(ctx, Command{Type: cmdTypingStart, Payload: map[string]string{
		"conversationId": conversationID,
	}})
}

// StopTyping clears a typing indicator.
func (r *RealtimeClient) StopTyping(ctx context.Context, conversationID string) error {
	return r.send(ctx, Command{Type: cmdTypingStop, Payload: map[string]string{
		"conversationId": conversationID,
	}})
}

// MarkRead reports the conversation as read over the socket.
func (r *RealtimeClient) MarkRead(ctx context.Context, conversationID string) error {
	return r.sendWhenConnected(ctx, Command{Type: cmdMarkRead, Payload: map[string]string{
		"conversationId": conversationID,
	}})
}

// ============================================================================
// Handler registration
// ============================================================================

func (r *RealtimeClient) emit(event string, payload json.RawMessage) {
	r.dispatcher.dispatch(Envelope{Type: event, Payload: payload})
}

// On registers a raw envelope handler for an event type. key deduplicates:
// registering the same (event, key) again replaces the previous handler. An
// empty key registers a fresh handler every time. The returned function
// deregisters the handler.
func (r *RealtimeClient) On(event, key string, handler func(Envelope)) func() {
	return r.dispatcher.on(event, key, handler)
}

// OnNewMessage registers a handler for incoming messages.
func (r *RealtimeClient) OnNewMessage(key string, handler func(Message)) func() {
	return r.dispatcher.on(EventNewMessage, key, func(env Envelope) {
		var msg Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			r.logger.Warn("malformed new-message payload", "error", err)
			return
		}
		handler(msg)
	})
}

// OnTypingStart registers a handler for typing indicators.
func (r *RealtimeClient) OnTypingStart(key string, handler func(TypingPayload)) func() {
	return r.onTyping(EventTypingStart, key, handler)
}

// OnTypingStop registers a handler for typing indicator clears.
func (r *RealtimeClient) OnTypingStop(key string, handler func(TypingPayload)) func() {
	return r.onTyping(EventTypingStop, key, handler)
}

func (r *RealtimeClient) onTyping(event, key string, handler func(TypingPayload)) func() {
	return r.dispatcher.on(event, key, func(env Envelope) {
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		handler(p)
	})
}

// OnMessagesRead registers a handler for read receipts.
func (r *RealtimeClient) OnMessagesRead(key string, handler func(MessagesReadPayload)) func() {
	return r.dispatcher.on(EventMessagesRead, key, func(env Envelope) {
		var p MessagesReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		handler(p)
	})
}

// OnMessageDelete registers a handler for message deletions.
func (r *RealtimeClient) OnMessageDelete(key string, handler func(MessageDeletePayload)) func() {
	return r.dispatcher.on(EventMessageDelete, key, func(env Envelope) {
		var p MessageDeletePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		handler(p)
	})
}

// OnConversationUpdate registers a handler for conversation changes.
func (r *RealtimeClient) OnConversationUpdate(key string, handler func(Conversation)) func() {
	return r.dispatcher.on(EventConversationUpdate, key, func(env Envelope) {
		var conv Conversation
		if err := json.Unmarshal(env.Payload, &conv); err != nil {
			return
		}
		handler(conv)
	})
}

// OnConversationArchive registers a handler for conversation archival.
func (r *RealtimeClient) OnConversationArchive(key string, handler func(conversationID string)) func() {
	return r.onConversationID(EventConversationArchive, key, handler)
}

// OnConversationDelete registers a handler for conversation removal.
func (r *RealtimeClient) OnConversationDelete(key string, handler func(conversationID string)) func() {
	return r.onConversationID(EventConversationDelete, key, handler)
}

func (r *RealtimeClient) onConversationID(event, key string, handler func(string)) func() {
	return r.dispatcher.on(event, key, func(env Envelope) {
		var p struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		handler(p.ConversationID)
	})
}

// OnConnected registers a handler for connection establishment, including
// re-establishment after drops.
func (r *RealtimeClient) OnConnected(key string, handler func()) func() {
	return r.dispatcher.on(EventConnected, key, func(Envelope) { handler() })
}

// OnDisconnected registers a handler for connection loss.
func (r *RealtimeClient) OnDisconnected(key string, handler func(reason string)) func() {
	return r.dispatcher.on(EventDisconnected, key, func(env Envelope) {
		var p struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		handler(p.Reason)
	})
}

// OnReconnected registers a handler for recovery after a drop.
func (r *RealtimeClient) OnReconnected(key string, handler func()) func() {
	return r.dispatcher.on(EventReconnected, key, func(Envelope) { handler() })
}

// OnReconnectFailed registers a handler for the terminal give-up signal.
// After it fires, only ManualReconnect resumes the session.
func (r *RealtimeClient) OnReconnectFailed(key string, handler func(attempts int)) func() {
	return r.dispatcher.on(EventReconnectFailed, key, func(env Envelope) {
		var p struct {
			Attempts int `json:"attempts"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		handler(p.Attempts)
	})
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
