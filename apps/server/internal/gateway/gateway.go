package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"crash-lite/apps/server/internal/codec"
	"crash-lite/apps/server/internal/engine"
	"crash-lite/apps/server/internal/wallet"
	"crash-lite/crash"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 65536
	commandTimeout = 5 * time.Second
)

var ErrUnauthenticated = errors.New("wallet not identified")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Commander is the part of the engine the gateway drives.
type Commander interface {
	PlaceBet(ctx context.Context, walletID string, track crash.Track, amount int64, autoCashout float64) (crash.Bet, error)
	CancelBet(ctx context.Context, walletID string, track crash.Track) (crash.Bet, error)
	Cashout(ctx context.Context, walletID string, track crash.Track) (crash.Bet, error)
	StateEnvelope() (codec.Envelope, bool)
}

// Authenticator resolves the wallet behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// QueryAuthenticator takes the wallet id from the "wallet" query parameter.
// Session management lives outside this service; this is the dev resolver.
type QueryAuthenticator struct{}

func (QueryAuthenticator) Authenticate(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if id == "" || wallet.IsSynthetic(id) {
		return "", ErrUnauthenticated
	}
	return id, nil
}

// Connection is one websocket client bound to a wallet.
type Connection struct {
	ID      string
	Wallet  string
	Format  codec.Format
	Conn    *websocket.Conn
	Send    chan []byte
	Gateway *Gateway

	closeOnce sync.Once
}

// Gateway fans engine events out to websocket clients and feeds their
// commands back into the engine.
type Gateway struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	walletConns map[string]map[string]*Connection
	nextConnID  uint64

	engine Commander
	auth   Authenticator
	logger *zap.Logger
}

func New(cmd Commander, auth Authenticator, logger *zap.Logger) *Gateway {
	if auth == nil {
		auth = QueryAuthenticator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		connections: make(map[string]*Connection),
		walletConns: make(map[string]map[string]*Connection),
		engine:      cmd,
		auth:        auth,
		logger:      logger,
	}
}

// SetEngine binds the command target. The engine needs the gateway as its
// publisher, so one of them is wired after construction.
func (g *Gateway) SetEngine(cmd Commander) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.engine = cmd
}

func (g *Gateway) commander() Commander {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.engine
}

// HandleWebSocket authenticates the request and upgrades it. The wire format
// is chosen with ?format=json, binary otherwise.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	walletID, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	g.mu.Lock()
	g.nextConnID++
	c := &Connection{
		ID:      fmt.Sprintf("conn_%d", g.nextConnID),
		Wallet:  walletID,
		Format:  codec.ParseFormat(r.URL.Query().Get("format")),
		Conn:    conn,
		Send:    make(chan []byte, 256),
		Gateway: g,
	}
	g.connections[c.ID] = c
	if g.walletConns[walletID] == nil {
		g.walletConns[walletID] = make(map[string]*Connection)
	}
	g.walletConns[walletID][c.ID] = c
	total := len(g.connections)
	g.mu.Unlock()

	g.logger.Info("client connected", zap.String("conn_id", c.ID), zap.String("wallet", walletID), zap.Int("total", total))

	if cmd := g.commander(); cmd != nil {
		if env, ok := cmd.StateEnvelope(); ok {
			c.push(env)
		}
	}

	go c.readPump()
	go c.writePump()
}

// Broadcast implements engine.Publisher.
func (g *Gateway) Broadcast(env codec.Envelope) {
	var encoded [2][]byte
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.connections {
		if encoded[c.Format] == nil {
			data, err := codec.Encode(env, c.Format)
			if err != nil {
				g.logger.Error("encode broadcast", zap.String("type", string(env.Type)), zap.Error(err))
				return
			}
			encoded[c.Format] = data
		}
		c.enqueue(encoded[c.Format])
	}
}

// SendTo implements engine.Publisher. Every connection of the wallet gets
// the event.
func (g *Gateway) SendTo(walletID string, env codec.Envelope) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.walletConns[walletID] {
		c.push(env)
	}
}

// Count returns the number of open connections.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections)
}

// Shutdown closes every connection with a going-away frame.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.connections))
	for _, c := range g.connections {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		eg.Go(func() error {
			deadline := time.Now().Add(writeWait)
			if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
				deadline = d
			}
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			if err := c.Conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				g.logger.Debug("close frame", zap.String("conn_id", c.ID), zap.Error(err))
			}
			if err := c.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

func (g *Gateway) removeConnection(c *Connection) {
	g.mu.Lock()
	delete(g.connections, c.ID)
	if conns := g.walletConns[c.Wallet]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(g.walletConns, c.Wallet)
		}
	}
	total := len(g.connections)
	g.mu.Unlock()
	c.closeOnce.Do(func() { close(c.Send) })
	g.logger.Info("client disconnected", zap.String("conn_id", c.ID), zap.Int("total", total))
}

func (c *Connection) push(env codec.Envelope) {
	data, err := codec.Encode(env, c.Format)
	if err != nil {
		c.Gateway.logger.Error("encode event", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	c.enqueue(data)
}

// enqueue drops the message when the client is not keeping up.
// Callers hold the gateway lock or own a connection not yet registered for
// removal, so Send is open.
func (c *Connection) enqueue(data []byte) {
	select {
	case c.Send <- data:
	default:
		c.Gateway.logger.Debug("send buffer full", zap.String("conn_id", c.ID))
	}
}

func (c *Connection) sendError(msg string) {
	c.push(codec.Wrap(codec.EventError, "", 0, time.Now(), codec.ErrorPayload(msg)))
}

func (c *Connection) readPump() {
	defer func() {
		c.Gateway.removeConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.Gateway.logger.Warn("read error", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Connection) handleMessage(data []byte) {
	cmd, err := codec.DecodeCommand(data, c.Format)
	if err != nil {
		c.sendError("invalid message: " + err.Error())
		return
	}
	target := c.Gateway.commander()
	if target == nil {
		c.sendError("engine unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd.Type {
	case codec.CommandPlaceBet:
		_, err = target.PlaceBet(ctx, c.Wallet, cmd.Track, cmd.Amount, cmd.AutoCashout)
	case codec.CommandCancelBet:
		_, err = target.CancelBet(ctx, c.Wallet, cmd.Track)
	case codec.CommandCashout:
		_, err = target.Cashout(ctx, c.Wallet, cmd.Track)
	case codec.CommandPing:
		if env, ok := target.StateEnvelope(); ok {
			c.push(env)
		}
		return
	}
	// Domain rejections are pushed by the engine itself.
	if errors.Is(err, engine.ErrEngineStopped) || errors.Is(err, context.DeadlineExceeded) {
		c.sendError(err.Error())
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	kind := websocket.BinaryMessage
	if c.Format == codec.FormatJSON {
		kind = websocket.TextMessage
	}
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(kind, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
