package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/api_realtime/internal/auth"
	"chatrelay/api_realtime/internal/metrics"
	"chatrelay/api_realtime/internal/presence"
	"chatrelay/api_realtime/internal/registry"
	"chatrelay/pkg/kafka"
	"chatrelay/pkg/logging"
)

// TokenVerifier authenticates the connection token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Result, error)
}

// IdentityResolver maps a subject to an internal user id; "" means unknown.
type IdentityResolver interface {
	Resolve(ctx context.Context, subject string) (string, error)
}

// PresenceStore records who is online.
type PresenceStore interface {
	SetPresence(ctx context.Context, userID string, status presence.Status) error
	Ping(ctx context.Context, userID string, status presence.Status) error
}

// ConversationAuthorizer decides conversation channel access.
type ConversationAuthorizer interface {
	CanAccessConversation(ctx context.Context, subject, conversationID string) (bool, error)
}

// ReadReceiptWriter forwards read receipts to the chat service.
type ReadReceiptWriter interface {
	MarkRead(ctx context.Context, subject, conversationID, lastReadMessageID string) error
}

// EventPublisher publishes ephemeral events onto broker channels.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Options tunes the gateway.
type Options struct {
	Service              string
	AuthTimeout          time.Duration
	MaxSubscribeChannels int
	DenialNotices        bool
	SendBuffer           int
	AuthorizeConcurrency int
	ReceiptConcurrency   int
	CallTimeout          time.Duration
}

func (o Options) withDefaults() Options {
	if o.Service == "" {
		o.Service = "chatrelay"
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.MaxSubscribeChannels <= 0 {
		o.MaxSubscribeChannels = 200
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.AuthorizeConcurrency <= 0 {
		o.AuthorizeConcurrency = 8
	}
	if o.ReceiptConcurrency <= 0 {
		o.ReceiptConcurrency = 4
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	return o
}

// Deps are the collaborators of the gateway. Events and Metrics may be nil.
type Deps struct {
	Verifier   TokenVerifier
	Resolver   IdentityResolver
	Presence   PresenceStore
	Registry   *registry.Registry
	Authorizer ConversationAuthorizer
	Receipts   ReadReceiptWriter
	Publisher  EventPublisher
	Events     kafka.Publisher
	Metrics    *metrics.Metrics
	Logger     logging.Logger
}

// Gateway accepts sockets and runs each through its lifecycle:
// authenticate, resolve identity, join the personal channel, route frames,
// clean up on close.
type Gateway struct {
	deps     Deps
	opts     Options
	upgrader websocket.Upgrader
	now      func() time.Time

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

func NewGateway(deps Deps, opts Options) *Gateway {
	if deps.Events == nil {
		deps.Events = kafka.NoopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger()
	}
	return &Gateway{
		deps: deps,
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now:   time.Now,
		conns: make(map[*Conn]struct{}),
	}
}

// ServeWS upgrades the request and serves the socket until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.deps.Logger.WithError(err).Warn("Failed to upgrade WebSocket connection")
		return
	}

	id := uuid.New().String()
	c := newConn(id, ws, g.opts.SendBuffer, g.deps.Logger.WithFields(logging.Fields{
		"conn_id":   id,
		"remote_ip": r.RemoteAddr,
	}))
	c.receipts = make(chan struct{}, g.opts.ReceiptConcurrency)

	g.wg.Add(1)
	defer g.wg.Done()

	go c.writePump(c.logger, g.deps.Metrics.SlowConsumer)
	g.serve(c, token)
}

func (g *Gateway) serve(c *Conn, token string) {
	defer g.cleanup(c)
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", fmt.Sprint(r)).Error("Connection handler panicked")
			c.Close(CloseServerError, ReasonServerError)
		}
	}()

	if !g.establish(c, token) {
		return
	}
	c.readLoop(func(frame []byte) {
		g.route(c, frame)
	})
}

// establish walks Connecting -> Active. It returns false after closing c.
func (g *Gateway) establish(c *Conn, token string) bool {
	if token == "" {
		g.reject(c, CloseMissingToken, ReasonMissingToken, false)
		return false
	}

	ctx, cancel := context.WithTimeout(c.ctx, g.opts.AuthTimeout)
	defer cancel()

	c.setState(StateAuthenticating)
	result, err := g.deps.Verifier.Verify(ctx, token)
	if err != nil {
		if isContextError(err) {
			c.logger.WithError(err).Warn("Authentication did not finish in time")
			g.reject(c, CloseServerError, ReasonServerError, false)
			return false
		}
		g.reject(c, CloseInvalidToken, ReasonInvalidToken, true)
		return false
	}
	c.tenant = result.Tenant
	c.subject = result.Subject
	c.logger = c.logger.WithField("tenant", result.Tenant)

	c.setState(StateResolvingIdentity)
	userID, err := g.deps.Resolver.Resolve(ctx, result.Subject)
	if err != nil {
		c.logger.WithError(err).Error("Identity resolution failed")
		g.reject(c, CloseServerError, ReasonServerError, false)
		return false
	}
	if userID == "" {
		g.reject(c, CloseUserNotFound, ReasonUserNotFound, true)
		return false
	}
	c.userID = userID
	c.logger = c.logger.WithField("user_id", userID)

	if err := g.deps.Presence.SetPresence(ctx, userID, presence.StatusOnline); err != nil {
		c.logger.WithError(err).Warn("Failed to write initial presence")
	}

	if _, err := g.deps.Registry.Subscribe(ctx, UserChannel(userID), c); err != nil {
		if !errors.Is(err, registry.ErrMemberClosed) {
			c.logger.WithError(err).Error("Failed to subscribe personal channel")
			c.Close(CloseServerError, ReasonServerError)
		}
		return false
	}

	g.mu.Lock()
	if c.Closed() {
		g.mu.Unlock()
		return false
	}
	g.conns[c] = struct{}{}
	c.setState(StateActive)
	g.mu.Unlock()

	g.deps.Metrics.ConnectionOpened(c.tenant)
	c.enqueue(encodeHello(g.now()))
	g.emit(c, kafka.EventConnectionOpened, "", "")
	c.logger.Info("WebSocket connection established")
	return true
}

func (g *Gateway) reject(c *Conn, code int, reason string, countFailure bool) {
	if countFailure {
		g.deps.Metrics.AuthFailed(reason)
	}
	c.logger.WithField("reason", reason).Info("Rejecting WebSocket connection")
	g.emit(c, kafka.EventAuthFailed, "", reason)
	c.Close(code, reason)
}

// cleanup releases everything the connection holds. It runs once no matter
// how many paths reach it.
func (g *Gateway) cleanup(c *Conn) {
	c.cleanupOnce.Do(func() {
		c.Close(websocket.CloseNormalClosure, "")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.deps.Registry.UnsubscribeAll(ctx, c); err != nil {
			c.logger.WithError(err).Error("Failed to release broker subscriptions")
		}

		g.mu.Lock()
		_, wasActive := g.conns[c]
		delete(g.conns, c)
		g.mu.Unlock()

		if wasActive {
			g.deps.Metrics.ConnectionClosed(c.tenant)
			g.emit(c, kafka.EventConnectionClosed, "", c.closeReason)
			c.logger.WithField("close_code", c.closeCode).Info("WebSocket connection closed")
		}
		c.setState(StateClosed)
	})
}

func (g *Gateway) emit(c *Conn, eventType, channel, reason string) {
	event := kafka.NewGatewayEvent(eventType, g.opts.Service)
	event.ConnID = c.id
	event.Tenant = c.tenant
	event.UserID = c.userID
	event.Channel = channel
	event.Reason = reason
	g.deps.Events.Publish(c.ctx, event)
}

// ActiveConnections is the number of authenticated sockets.
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every socket with 1001 and waits for their cleanup.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
