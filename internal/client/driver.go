// Package client implements the reconnecting relay client: it bootstraps the
// server, keeps a WebSocket open with exponential backoff, replays the room
// join after every reconnect, and reconciles player identities into a Store.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/boardrelay/internal/config"
	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

// ConnectFailedMessage is the error notification raised when a connection
// attempt fails. Repeated failures collapse into one notification.
const ConnectFailedMessage = "Failed to connect to game server"

var (
	// ErrNotConnected is returned when an event is sent with no open connection.
	ErrNotConnected = errors.New("not connected")
	// ErrNotJoined is returned by room-scoped operations before Join.
	ErrNotJoined = errors.New("no room joined")
)

// Options configures a Driver.
type Options struct {
	// ServerURL is the http(s) relay endpoint; the WebSocket URL is derived from it.
	ServerURL string
	// Identity is the local player. An empty SessionID gets a fresh UUID that
	// is kept for the Driver's lifetime.
	Identity protocol.Identity
	// ResumeToken is sent with every join and never shown to other players.
	// A join carrying it may replace this client's own live connection.
	// Defaults to a fresh UUID.
	ResumeToken      string
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	HeartbeatTimeout time.Duration
	Store            Store
	Logger           *zap.Logger
	// HTTPClient performs the bootstrap request. Defaults to a client bounded
	// by ConnectTimeout.
	HTTPClient *http.Client
}

// OptionsFromConfig builds Options from the client configuration section.
func OptionsFromConfig(cfg config.ClientConfig, id protocol.Identity, store Store, logger *zap.Logger) Options {
	return Options{
		ServerURL:        cfg.ServerURL,
		Identity:         id,
		BackoffInitial:   cfg.BackoffInitial,
		BackoffMax:       cfg.BackoffMax,
		ConnectTimeout:   cfg.ConnectTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Store:            store,
		Logger:           logger,
	}
}

// Driver owns one logical connection to the relay.
type Driver struct {
	opts   Options
	self   protocol.Identity
	wsURL  string
	dialer websocket.Dialer
	http   *http.Client
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	room    string
	color   protocol.Color
	running bool
	leaving bool
	cancel  context.CancelFunc
	done    chan struct{}

	// writeMu serializes frame writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// New validates opts and returns an idle Driver.
//
// Precondition: opts.Store and opts.Logger must be non-nil.
// Postcondition: Returns a Driver ready for Connect, or an error for a bad
// URL or identity.
func New(opts Options) (*Driver, error) {
	if err := opts.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("client identity: %w", err)
	}
	wsURL, err := websocketURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	if opts.Identity.SessionID == "" {
		opts.Identity.SessionID = uuid.NewString()
	}
	if opts.ResumeToken == "" {
		opts.ResumeToken = uuid.NewString()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.ConnectTimeout}
	}

	done := make(chan struct{})
	close(done)
	return &Driver{
		opts:  opts,
		self:  opts.Identity,
		wsURL: wsURL,
		dialer: websocket.Dialer{
			HandshakeTimeout:  opts.ConnectTimeout,
			EnableCompression: true,
		},
		http:   httpClient,
		store:  opts.Store,
		logger: opts.Logger.With(zap.String("player", opts.Identity.Key())),
		done:   done,
	}, nil
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url %q must be http or https", serverURL)
	}
	return u.String(), nil
}

// Identity returns the local player's identity.
func (d *Driver) Identity() protocol.Identity {
	return d.self
}

// Color returns the color the server last confirmed for this player.
func (d *Driver) Color() protocol.Color {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.color
}

// Done is closed when the connection loop has ended for good.
func (d *Driver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Connect starts the connection loop. It reports false, doing nothing, when
// a connection is already open or an attempt is in flight.
func (d *Driver) Connect(ctx context.Context) bool {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Debug("connect skipped, already connecting or connected")
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.leaving = false
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	go d.run(ctx, done)
	return true
}

// Close ends the connection loop without leaving the room; the server sees
// the drop as a transport close.
func (d *Driver) Close() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

// cappedBackOff clamps the randomized delay of an exponential backoff, which
// may otherwise overshoot MaxInterval by the randomization factor.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (c *cappedBackOff) NextBackOff() time.Duration {
	next := c.BackOff.NextBackOff()
	if next != backoff.Stop && next > c.max {
		return c.max
	}
	return next
}

func (d *Driver) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.BackoffInitial
	b.MaxInterval = d.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return &cappedBackOff{BackOff: b, max: d.opts.BackoffMax}
}

func (d *Driver) run(ctx context.Context, done chan struct{}) {
	defer func() {
		d.mu.Lock()
		d.running = false
		d.conn = nil
		d.mu.Unlock()
		d.store.SetConnected(false)
		close(done)
	}()

	b := d.newBackOff()
	var delay time.Duration
	for {
		if delay > 0 {
			d.logger.Info("reconnecting after backoff", zap.Duration("delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		conn, err := backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
			return d.dial(ctx)
		}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
			d.logger.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", next))
			d.store.NotifyError(ConnectFailedMessage)
		})
		if err != nil {
			// Only cancellation ends an unlimited retry.
			return
		}

		reason := d.serve(ctx, conn)
		d.logger.Info("disconnected", zap.String("reason", string(reason)))
		if ctx.Err() != nil || !protocol.ShouldReconnect(reason) {
			return
		}

		b.Reset()
		delay = 0
		if !protocol.ReconnectImmediately(reason) {
			delay = b.NextBackOff()
		}
	}
}

// dial runs the bootstrap request and the WebSocket handshake under one
// connect timeout.
func (d *Driver) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.opts.ServerURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building bootstrap request: %w", err))
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap: unexpected status %d", resp.StatusCode)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", d.wsURL, err)
	}
	return conn, nil
}

// serve replays the join, then reads until the connection drops.
//
// Postcondition: conn is closed and the drop reason is returned.
func (d *Driver) serve(ctx context.Context, conn *websocket.Conn) protocol.ClientReason {
	d.mu.Lock()
	d.conn = conn
	room := d.room
	d.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
		d.mu.Lock()
		if d.conn == conn {
			d.conn = nil
		}
		d.mu.Unlock()
		d.store.SetConnected(false)
	}()

	d.store.SetConnected(true)
	d.logger.Info("connected", zap.String("url", d.wsURL))

	d.extendDeadline(conn)
	conn.SetPingHandler(func(appData string) error {
		d.extendDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(d.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if room != "" {
		if err := d.emit(protocol.EventJoinRoom, protocol.JoinRoom{Room: room, Player: d.self, Token: d.opts.ResumeToken}); err != nil {
			d.logger.Warn("replaying join", zap.String("room", room), zap.Error(err))
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return d.reasonFor(ctx, err)
		}
		d.extendDeadline(conn)

		f, err := protocol.Decode(data)
		if err != nil {
			d.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		d.dispatch(f)
	}
}

func (d *Driver) extendDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(d.opts.HeartbeatTimeout))
}

func (d *Driver) reasonFor(ctx context.Context, err error) protocol.ClientReason {
	d.mu.Lock()
	leaving := d.leaving
	d.mu.Unlock()
	if leaving || ctx.Err() != nil {
		return protocol.ClientReasonClientDisconnect
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return protocol.ClientReasonForCloseCode(closeErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.ClientReasonPingTimeout
	}
	return protocol.ClientReasonTransportError
}

func (d *Driver) emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(d.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}
	return nil
}

func (d *Driver) joinedRoom() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.room == "" {
		return "", ErrNotJoined
	}
	return d.room, nil
}

// Join asks to join room. The join is remembered and replayed after every
// reconnect; if no connection is open yet it is sent on connect.
func (d *Driver) Join(room string) error {
	if room == "" {
		return errors.New("room must not be empty")
	}
	d.mu.Lock()
	d.room = room
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return nil
	}
	return d.emit(protocol.EventJoinRoom, protocol.JoinRoom{Room: room, Player: d.self, Token: d.opts.ResumeToken})
}

// SendMessage posts a chat line to the joined room.
func (d *Driver) SendMessage(text string) error {
	room, err := d.joinedRoom()
	if err != nil {
		return err
	}
	return d.emit(protocol.EventCreatedMessage, protocol.ChatMessage{
		Room:    room,
		Author:  d.self.DisplayName,
		Message: text,
	})
}

// MakeMove sends move, which must encode as a JSON object, with the joined
// room added to it.
func (d *Driver) MakeMove(move any) error {
	room, err := d.joinedRoom()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(move)
	if err != nil {
		return fmt.Errorf("encoding move: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return fmt.Errorf("move must be a JSON object, got %s", raw)
	}
	roomJSON, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encoding room: %w", err)
	}
	fields["room"] = roomJSON
	return d.emit(protocol.EventMakeMove, fields)
}

// MoveCamera shares this player's camera position with the room.
func (d *Driver) MoveCamera(position [3]float64) error {
	room, err := d.joinedRoom()
	if err != nil {
		return err
	}
	return d.emit(protocol.EventCameraMove, protocol.CameraMove{
		Room:     room,
		Color:    d.Color(),
		Position: position,
	})
}

// FetchPlayers asks for the joined room's occupant count.
func (d *Driver) FetchPlayers() error {
	room, err := d.joinedRoom()
	if err != nil {
		return err
	}
	return d.emit(protocol.EventFetchPlayers, protocol.RoomRef{Room: room})
}

// ResetGame asks the server to reset the game for everyone in the room.
func (d *Driver) ResetGame() error {
	room, err := d.joinedRoom()
	if err != nil {
		return err
	}
	return d.emit(protocol.EventResetGame, protocol.RoomRef{Room: room})
}

// Leave announces playerLeft, closes the connection normally, and stops the
// loop without reconnecting.
//
// Postcondition: Done is closed and the room is forgotten.
func (d *Driver) Leave() error {
	d.mu.Lock()
	room, conn, cancel, done := d.room, d.conn, d.cancel, d.done
	d.leaving = true
	d.mu.Unlock()

	var err error
	if conn != nil {
		if room != "" {
			err = d.emit(protocol.EventPlayerLeft, protocol.RoomRef{Room: room})
		}
		d.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(protocol.ClientReasonClientDisconnect))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(d.opts.WriteTimeout))
		d.writeMu.Unlock()

		// Let the server echo the close before tearing the socket down.
		select {
		case <-done:
		case <-time.After(d.opts.WriteTimeout):
		}
	}
	if cancel != nil {
		cancel()
	}
	<-done

	d.mu.Lock()
	d.room = ""
	d.color = protocol.ColorNone
	d.mu.Unlock()
	d.logger.Info("left room", zap.String("room", room))
	return err
}
