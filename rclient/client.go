// Package rclient implements ReactorClient from spec.md §4.2: one
// object per connection, owning the socket, inbound decoder, outbound
// queue, heartbeat clocks, and init state, across four transport
// variants (plain, TLS, WebSocket, WebSocket+TLS).
//
// This generalizes the teacher's transport.ClientTransport — a single
// concrete type wrapping one net.Conn with a sending mutex, a recvLoop,
// and a heartbeatLoop — into a tagged-variant struct per spec.md §9's
// Design Notes, carrying per-variant framing and handshake behavior
// instead of an inheritance hierarchy. The sending-mutex-per-writer
// idea is replaced by a single writer goroutine draining a bounded
// outbound channel, which gives FIFO ordering for free instead of
// requiring an explicit lock around each write.
package rclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vmrpc/framing"
	"vmrpc/internal/logging"
	"vmrpc/internal/rpcerr"
	"vmrpc/policy"
)

// Kind identifies one of the four ReactorClient variants named in
// spec.md §4.2.
type Kind int

const (
	Plain Kind = iota
	TLS
	WS
	WSTLS
)

func (k Kind) isWebSocket() bool { return k == WS || k == WSTLS }
func (k Kind) isTLS() bool       { return k == TLS || k == WSTLS }

// State is the ReactorClient state machine of spec.md §3: Closed →
// Initializing → Open → Closed.
type State int32

const (
	Closed State = iota
	Initializing
	Open
)

// HeartbeatMethod is the reserved JSON-RPC notification method used as
// the binary-framing heartbeat (spec.md §6).
const HeartbeatMethod = "rpc.heartbeat"

// pollInterval bounds how promptly heartbeat expiry is observed,
// mirroring the tracker's own pollInterval (spec.md §4.5).
const pollInterval = 250 * time.Millisecond

// connGeneration holds everything specific to one successful dial: the
// socket, its decoder, the stop signal for its own goroutine trio, and
// the once-guard on tearing it down. The state machine in spec.md §3 is
// Closed -> Initializing -> Open -> Closed, repeatable, so a Client may
// cycle through many generations over its lifetime; scoping these
// fields to a generation instead of the Client itself keeps a stale
// generation's teardown from clobbering a later, already-reconnected one.
type connGeneration struct {
	conn   net.Conn
	wsConn *websocket.Conn
	dec    framing.Decoder
	stopCh chan struct{}
	once   sync.Once
}

// Client is one ReactorClient: a single connection with its framing,
// outbound queue, and heartbeat clocks.
type Client struct {
	kind   Kind
	host   string
	port   int
	path   string // URL path for WebSocket variants, default "/"
	tlsCfg *tls.Config
	pol    policy.Policy
	logger *zap.Logger

	limiter *rate.Limiter

	state       atomic.Int32
	mu          sync.Mutex // guards connectWait/connErr during (re)connect
	connectWait chan struct{}
	connErr     error

	gen atomic.Pointer[connGeneration]

	outbound chan []byte
	wg       sync.WaitGroup

	lastIncoming atomic.Int64 // unix nano
	lastOutgoing atomic.Int64 // unix nano

	// onMessage is invoked once per fully decoded response payload.
	onMessage func(raw []byte)
	// onFault is invoked exactly once, when the connection transitions
	// to Closed due to an I/O error, heartbeat expiry, decoder fault,
	// or an explicit Close() — the Go-idiomatic equivalent of spec.md's
	// "synthesizes a protocol-specific error message to listeners",
	// implemented as a direct callback instead of a synthetic wire
	// message so the tracker's issue-dispatch path can react to it
	// without a JSON round trip.
	onFault func(err error)
}

// Option configures a Client at construction.
type Option func(*Client)

// WithPath sets the URL path used for WebSocket variants (default "/").
func WithPath(path string) Option {
	return func(c *Client) { c.path = path }
}

// WithLogger attaches structured logging (default: discarded).
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// New creates a ReactorClient for host:port with the given variant and
// policy. Connection is deferred until Connect is called (spec.md
// §4.1's createClient: "creates a client object, defers actual connect
// until requested").
func New(kind Kind, host string, port int, tlsCfg *tls.Config, pol policy.Policy, opts ...Option) *Client {
	c := &Client{
		kind:     kind,
		host:     host,
		port:     port,
		path:     "/",
		tlsCfg:   tlsCfg,
		pol:      pol,
		logger:   logging.Nop(),
		outbound: make(chan []byte, pol.OutboundQueueLimit),
	}
	if pol.OutboundRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(pol.OutboundRate), pol.OutboundBurst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetListeners installs the message and fault callbacks. Must be called
// before Connect; not safe to change afterward.
func (c *Client) SetListeners(onMessage func([]byte), onFault func(error)) {
	c.onMessage = onMessage
	c.onFault = onFault
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsOpen and IsClosed are complementary per spec.md §9's Open Question:
// isClosed() ≡ ¬isOpen().
func (c *Client) IsOpen() bool   { return c.State() == Open }
func (c *Client) IsClosed() bool { return !c.IsOpen() }

func (c *Client) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Connect blocks the calling goroutine until the client is Open or the
// configured retries are exhausted. It is idempotent: an already-Open
// client returns immediately, and concurrent callers during
// Initializing all wait on the same in-flight handshake rather than
// duplicating the dial (spec.md §4.2 and §9 Design Notes).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch State(c.state.Load()) {
	case Open:
		c.mu.Unlock()
		return nil
	case Initializing:
		wait := c.connectWait
		c.mu.Unlock()
		return c.awaitConnect(ctx, wait)
	default:
		c.state.Store(int32(Initializing))
		wait := make(chan struct{})
		c.connectWait = wait
		c.connErr = nil
		c.mu.Unlock()
		go c.handshakeWithRetry(wait)
		return c.awaitConnect(ctx, wait)
	}
}

func (c *Client) awaitConnect(ctx context.Context, wait chan struct{}) error {
	select {
	case <-wait:
		if State(c.state.Load()) == Open {
			return nil
		}
		c.mu.Lock()
		err := c.connErr
		c.mu.Unlock()
		if err == nil {
			err = rpcerr.ErrConnectionFailed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handshakeWithRetry performs dial+handshake, retrying per policy
// before giving up (spec.md §4.2 "blocks ... until ... configured
// retries are exhausted").
func (c *Client) handshakeWithRetry(wait chan struct{}) {
	attempts := c.pol.Retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(c.pol.RetryTimeout)
		}
		if err := c.handshakeOnce(); err != nil {
			lastErr = err
			c.logger.Warn("reactorclient: connect attempt failed",
				zap.String("addr", c.addr()), zap.Int("attempt", i+1), zap.Error(err))
			continue
		}
		c.state.Store(int32(Open))
		c.logger.Info("reactorclient: connected", zap.String("addr", c.addr()))
		close(wait)
		return
	}
	c.mu.Lock()
	c.connErr = fmt.Errorf("%w: %w", rpcerr.ErrConnectionFailed, lastErr)
	c.mu.Unlock()
	c.state.Store(int32(Closed))
	close(wait)
}

func (c *Client) handshakeOnce() error {
	if c.kind.isWebSocket() {
		return c.dialWebSocket()
	}
	return c.dialStream()
}

func (c *Client) dialStream() error {
	conn, err := net.DialTimeout("tcp", c.addr(), c.pol.RetryTimeout)
	if err != nil {
		return err
	}
	if c.kind.isTLS() {
		tlsConn := tls.Client(conn, c.tlsConfigFor())
		hsCtx, cancel := context.WithTimeout(context.Background(), c.pol.RetryTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}
	gen := &connGeneration{conn: conn, dec: framing.NewLengthPrefixDecoder(c.pol.MaxMessageSize)}
	c.startLoops(gen)
	return nil
}

func (c *Client) dialWebSocket() error {
	scheme := "ws"
	if c.kind.isTLS() {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.addr(), Path: c.path}
	dialer := websocket.Dialer{
		HandshakeTimeout: c.pol.RetryTimeout,
		TLSClientConfig:  c.tlsConfigFor(),
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(int64(c.pol.MaxMessageSize))
	conn.SetPingHandler(func(data string) error {
		c.lastIncoming.Store(time.Now().UnixNano())
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	gen := &connGeneration{wsConn: conn}
	c.startLoops(gen)
	return nil
}

func (c *Client) tlsConfigFor() *tls.Config {
	if c.tlsCfg != nil {
		cfg := c.tlsCfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.host
		}
		return cfg
	}
	return &tls.Config{ServerName: c.host, MinVersion: tls.VersionTLS12}
}

func (c *Client) startLoops(gen *connGeneration) {
	now := time.Now().UnixNano()
	c.lastIncoming.Store(now)
	c.lastOutgoing.Store(now)
	gen.stopCh = make(chan struct{})
	c.gen.Store(gen)
	c.wg.Add(3)
	go c.readLoop(gen)
	go c.writeLoop(gen)
	go c.heartbeatLoop(gen)
}

// SendMessage appends a framed payload to the outbound queue and never
// blocks the caller on I/O (spec.md §4.2). Sends made while the socket
// is Initializing are buffered, not dropped, because the channel accepts
// writes regardless of state as long as the client isn't Closed.
//
// Backpressure: the queue is bounded by policy.OutboundQueueLimit; a full
// queue fails fast with ErrConnectionLost rather than blocking the
// caller, per the Design Notes' "bounded outbound queue" choice
// documented in SPEC_FULL.md §4.2.
func (c *Client) SendMessage(payload []byte) error {
	if State(c.state.Load()) == Closed {
		return rpcerr.ErrConnectionFailed
	}
	select {
	case c.outbound <- payload:
		return nil
	default:
		return rpcerr.ErrConnectionLost
	}
}

func (c *Client) writeLoop(gen *connGeneration) {
	defer c.wg.Done()
	for {
		select {
		case payload := <-c.outbound:
			if c.limiter != nil {
				_ = c.limiter.Wait(context.Background())
			}
			if err := c.writeFrame(gen, payload); err != nil {
				c.fail(gen, fmt.Errorf("write: %w", err))
				return
			}
			c.lastOutgoing.Store(time.Now().UnixNano())
		case <-gen.stopCh:
			return
		}
	}
}

func (c *Client) writeFrame(gen *connGeneration, payload []byte) error {
	if c.kind.isWebSocket() {
		return gen.wsConn.WriteMessage(websocket.TextMessage, payload)
	}
	_, err := gen.conn.Write(framing.EncodeLengthPrefixed(payload))
	return err
}

func (c *Client) readLoop(gen *connGeneration) {
	defer c.wg.Done()
	if c.kind.isWebSocket() {
		c.readLoopWS(gen)
		return
	}
	c.readLoopFramed(gen)
}

func (c *Client) readLoopFramed(gen *connGeneration) {
	buf := make([]byte, 32*1024)
	for {
		n, err := gen.conn.Read(buf)
		if n > 0 {
			msgs, decErr := gen.dec.Feed(buf[:n])
			for _, m := range msgs {
				c.lastIncoming.Store(time.Now().UnixNano())
				c.onMessage(m)
			}
			if decErr != nil {
				c.fail(gen, fmt.Errorf("%w: %w: %w", rpcerr.ErrConnectionLost, rpcerr.ErrDecodingFault, decErr))
				return
			}
		}
		if err != nil {
			c.fail(gen, fmt.Errorf("%w: %w", rpcerr.ErrConnectionLost, err))
			return
		}
	}
}

func (c *Client) readLoopWS(gen *connGeneration) {
	for {
		msgType, data, err := gen.wsConn.ReadMessage()
		if err != nil {
			c.fail(gen, fmt.Errorf("%w: %w", rpcerr.ErrConnectionLost, err))
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		c.lastIncoming.Store(time.Now().UnixNano())
		c.onMessage(data)
	}
}

// heartbeatLoop implements processHeartbeat and performAction from
// spec.md §4.2 on a fixed poll interval: it disconnects on incoming
// silence and emits outgoing heartbeat frames on a schedule.
func (c *Client) heartbeatLoop(gen *connGeneration) {
	defer c.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if State(c.state.Load()) != Open {
				continue
			}
			now := time.Now()
			if c.pol.IncomingHeartbeat > 0 {
				last := time.Unix(0, c.lastIncoming.Load())
				if now.Sub(last) > c.pol.IncomingHeartbeat {
					c.fail(gen, fmt.Errorf("%w: heartbeat exceeded", rpcerr.ErrConnectionLost))
					return
				}
			}
			if c.pol.OutgoingHeartbeat > 0 {
				last := time.Unix(0, c.lastOutgoing.Load())
				if now.Sub(last) > c.pol.OutgoingHeartbeat {
					c.sendHeartbeat(gen)
				}
			}
		case <-gen.stopCh:
			return
		}
	}
}

func (c *Client) sendHeartbeat(gen *connGeneration) {
	if c.kind.isWebSocket() {
		_ = gen.wsConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.lastOutgoing.Store(time.Now().UnixNano())
		return
	}
	notif := []byte(`{"jsonrpc":"2.0","method":"` + HeartbeatMethod + `"}`)
	if err := c.writeFrame(gen, notif); err == nil {
		c.lastOutgoing.Store(time.Now().UnixNano())
	}
}

// fail tears down gen exactly once: it closes gen's stop signal and
// socket regardless of whether gen is still the Client's active
// generation, so a lingering goroutine from a superseded connection
// always unwinds. It only mutates the Client's shared state (the
// lifecycle state and the onFault callback) when gen is still current,
// so a stale generation failing after a later reconnect can't stomp on
// the new connection's Open state or spuriously re-fire onFault.
func (c *Client) fail(gen *connGeneration, err error) {
	gen.once.Do(func() {
		close(gen.stopCh)
		if gen.conn != nil {
			gen.conn.Close()
		}
		if gen.wsConn != nil {
			gen.wsConn.Close()
		}
		if c.gen.Load() != gen {
			return
		}
		c.state.Store(int32(Closed))
		c.logger.Info("reactorclient: disconnected", zap.String("addr", c.addr()), zap.Error(err))
		if c.onFault != nil {
			c.onFault(err)
		}
	})
}

// Close schedules a disconnect and returns once the socket is closed
// and listeners have observed the synthetic "client closed" fault
// (spec.md §4.2).
func (c *Client) Close() error {
	gen := c.gen.Load()
	if gen == nil {
		c.state.Store(int32(Closed))
		return nil
	}
	c.fail(gen, rpcerr.ErrClientClosed)
	return nil
}
