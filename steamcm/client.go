package steamcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/protobuf/encoding/protowire"
)

// Client is a Session over one CM WebSocket connection.
type Client struct {
	conn      Connection
	steamID   uint64
	sessionID int32

	httpClient *http.Client
	logger     *slog.Logger
	clock      clockwork.Clock

	// Discovered CM servers, load-ascending, and the rotation cursor.
	// Only touched from Connect, which is never called concurrently.
	servers   []CMServer
	serverIdx int

	nextJobID   atomic.Uint64
	pendingJobs map[uint64]chan *packet // protected by mu
	pendingEMsg map[EMsg]chan *packet   // protected by mu

	mu        sync.Mutex
	done      chan struct{} // closed when the connection drops
	err       error         // cause, set before done closes
	wg        sync.WaitGroup
	signedIn  bool
	closeOnce sync.Once

	licenses    []License
	licensesSet chan struct{} // closed once the license list arrived
}

type config struct {
	httpClient *http.Client
	logger     *slog.Logger
	clock      clockwork.Clock
}

// Option configures a Client.
type Option func(*config)

// WithHTTPClient sets the HTTP client used for server discovery.
func WithHTTPClient(h *http.Client) Option {
	return func(c *config) { c.httpClient = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock sets the clock behind the heartbeat and auth-poll tickers.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// New creates a new CM client. The connection is established by Connect.
func New(opts ...Option) *Client {
	cfg := config{
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Client{
		httpClient: cfg.httpClient,
		logger:     cfg.logger,
		clock:      cfg.clock,
	}
}

// Connect discovers CM servers, dials one, and sends the protocol hello.
// Calling Connect on a dropped client starts a fresh connection cycle.
func (c *Client) Connect(ctx context.Context) error {
	// Tear down the previous cycle, if any.
	if c.done != nil {
		c.closeOnce.Do(func() { close(c.done) })
		if c.conn != nil {
			c.conn.Close()
		}
		c.wg.Wait()
		c.closeOnce = sync.Once{}
	}

	server, err := c.pickServer(ctx)
	if err != nil {
		return err
	}
	c.logger.Debug("connecting to CM server", "addr", server.Addr, "load", server.Load)

	ws, err := dialWebSocket(ctx, server.Addr)
	if err != nil {
		return err
	}
	c.conn = ws

	c.mu.Lock()
	c.err = nil
	c.signedIn = false
	c.steamID = 0
	c.sessionID = 0
	c.licenses = nil
	c.licensesSet = make(chan struct{})
	c.mu.Unlock()

	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.readLoop()

	hello := appendVarintField(nil, 1, uint64(ProtoVersion))
	if err := c.sendPacket(ctx, EMsgClientHello, nil, hello); err != nil {
		c.Disconnect()
		return fmt.Errorf("send hello: %w", err)
	}

	c.logger.Debug("connected", "addr", c.conn.RemoteAddr())
	return nil
}

// pickServer returns the next CM server to dial. The list is discovered
// once per client, kept sorted by load, and reconnects rotate through it
// so the least loaded server is tried first and a bad one is not redialed
// back to back.
func (c *Client) pickServer(ctx context.Context) (CMServer, error) {
	if len(c.servers) == 0 {
		servers, err := DiscoverServers(ctx, c.httpClient)
		if err != nil {
			return CMServer{}, fmt.Errorf("discover servers: %w", err)
		}
		var candidates []CMServer
		for _, s := range servers {
			if s.Type == "websockets" {
				candidates = append(candidates, s)
			}
		}
		if len(candidates) == 0 {
			return CMServer{}, errors.New("no websocket servers found")
		}
		slices.SortStableFunc(candidates, func(a, b CMServer) int { return a.Load - b.Load })
		c.servers = candidates
	}
	server := c.servers[c.serverIdx%len(c.servers)]
	c.serverIdx++
	return server, nil
}

// SignIn authenticates the connection with a refresh token. The Steam ID
// is taken from the token itself.
func (c *Client) SignIn(ctx context.Context, token string) error {
	info, err := ParseToken(token)
	if err != nil {
		return err
	}

	responseCh, cancel := c.expectEMsg(EMsgClientLogOnResponse)
	defer cancel()

	var body []byte
	body = appendVarintField(body, 1, uint64(ProtoVersion)) // protocol_version
	body = appendStringField(body, 6, "english")            // client_language
	body = appendVarintField(body, 7, 20)                   // client_os_type
	body = appendVarintField(body, 8, 1)                    // should_remember_password
	body = appendStringField(body, 108, token)              // access_token

	hdr := newProtoHeader()
	hdr.SteamID = info.SteamID
	if err := c.sendPacket(ctx, EMsgClientLogon, hdr, body); err != nil {
		return fmt.Errorf("send logon: %w", err)
	}

	pkt, err := c.awaitPacket(ctx, responseCh)
	if err != nil {
		return fmt.Errorf("wait for logon response: %w", err)
	}

	resp, err := parseLogonResponse(pkt.Body)
	if err != nil {
		return err
	}
	if resp.result != ResultOK {
		return &Error{
			Type:      ErrTypeSteamCM,
			Primary:   resp.result,
			Auxiliary: resp.extended,
			Op:        "sign in",
		}
	}

	c.mu.Lock()
	c.steamID = pkt.Header.SteamID
	c.sessionID = pkt.Header.ClientSessionID
	c.signedIn = true
	c.mu.Unlock()

	heartbeat := resp.heartbeatSec
	if heartbeat <= 0 {
		heartbeat = 30
	}
	c.wg.Add(1)
	go c.heartbeatLoop(time.Duration(heartbeat) * time.Second)

	c.logger.Debug("signed in",
		"steam_id", c.steamID,
		"session_id", c.sessionID,
		"heartbeat_sec", heartbeat,
	)
	return nil
}

// Disconnect closes the connection and waits for its goroutines. The nil
// cause distinguishes a local disconnect from a transport failure.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	wasSignedIn := c.signedIn
	c.signedIn = false
	c.mu.Unlock()

	if wasSignedIn {
		// Best-effort logoff; the server closes the socket either way.
		_ = c.sendPacket(context.Background(), EMsgClientLogOff, nil, nil)
	}

	if c.done != nil {
		c.closeOnce.Do(func() { close(c.done) })
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
	return nil
}

// Done is closed when the connection drops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection dropped; nil means a local Disconnect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// drop records the failure cause and closes done, once per cycle.
func (c *Client) drop(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.signedIn = false
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) sendPacket(ctx context.Context, emsg EMsg, hdr *protoHeader, body []byte) error {
	if hdr == nil {
		hdr = newProtoHeader()
	}

	c.mu.Lock()
	if c.signedIn {
		hdr.SteamID = c.steamID
		hdr.ClientSessionID = c.sessionID
	}
	c.mu.Unlock()

	return c.conn.Write(ctx, encodePacket(&packet{EMsg: emsg, Header: hdr, Body: body}))
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		data, err := c.conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
				return // expected disconnect
			default:
				if !errors.Is(err, context.Canceled) {
					c.logger.Error("read error", "err", err)
				}
				c.drop(err)
				return
			}
		}

		pkt, err := decodePacket(data)
		if err != nil {
			c.logger.Error("decode error", "err", err)
			continue
		}

		c.handlePacket(pkt)
	}
}

func (c *Client) handlePacket(pkt *packet) {
	// EMsgMulti is handled recursively and never dispatched itself.
	if pkt.EMsg == EMsgMulti {
		body, sizeUnzipped, err := parseMulti(pkt.Body)
		if err != nil {
			c.logger.Error("unmarshal Multi", "err", err)
			return
		}
		packets, err := decodeMulti(body, sizeUnzipped)
		if err != nil {
			c.logger.Error("decode Multi", "err", err)
			return
		}
		for _, sub := range packets {
			c.handlePacket(sub)
		}
		return
	}

	// Dispatch job-correlated responses. The response EMsg varies
	// (ServiceMethodResponse, PICS pages, depot keys) so the job ID is
	// the only reliable key. Paged responses deliver multiple packets
	// to the same channel; removal is owned by the requester.
	if target := pkt.Header.JobIDTarget; target != noJobID {
		c.mu.Lock()
		ch := c.pendingJobs[target]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- pkt:
			default:
				c.logger.Warn("job channel full, dropping packet", "emsg", pkt.EMsg.String())
			}
			return
		}
	}

	c.mu.Lock()
	ch, ok := c.pendingEMsg[pkt.EMsg]
	if ok {
		delete(c.pendingEMsg, pkt.EMsg)
	}
	c.mu.Unlock()
	if ok {
		select {
		case ch <- pkt:
		default:
		}
		return
	}

	switch pkt.EMsg {
	case EMsgClientLicenseList:
		licenses, err := parseLicenseList(pkt.Body)
		if err != nil {
			c.logger.Error("parse license list", "err", err)
			return
		}
		c.mu.Lock()
		select {
		case <-c.licensesSet:
			// Steam re-sends the list on license changes; keep the
			// snapshot from sign-in time, the next catalog sweep
			// refreshes it.
		default:
			c.licenses = licenses
			close(c.licensesSet)
		}
		c.mu.Unlock()

	case EMsgClientLoggedOff:
		result := ResultFail
		if r, err := parseLoggedOff(pkt.Body); err == nil {
			result = r
		}
		c.logger.Warn("logged off by server", "eresult", result.String())
		c.drop(cmError("logged off", result))
		c.conn.Close()
	}
}

// expectEMsg installs a one-shot listener for the given EMsg. Call this
// before sending the request to avoid a race with readLoop.
func (c *Client) expectEMsg(target EMsg) (<-chan *packet, func()) {
	ch := make(chan *packet, 1)
	c.mu.Lock()
	if c.pendingEMsg == nil {
		c.pendingEMsg = make(map[EMsg]chan *packet)
	}
	c.pendingEMsg[target] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.pendingEMsg, target)
		c.mu.Unlock()
	}
}

// newJob allocates a job ID and a response channel for it. Responses keep
// flowing to the channel until the cancel func runs, which lets paged
// replies reuse one job ID.
func (c *Client) newJob(buf int) (uint64, <-chan *packet, func()) {
	jobID := c.nextJobID.Add(1)
	ch := make(chan *packet, buf)
	c.mu.Lock()
	if c.pendingJobs == nil {
		c.pendingJobs = make(map[uint64]chan *packet)
	}
	c.pendingJobs[jobID] = ch
	c.mu.Unlock()

	return jobID, ch, func() {
		c.mu.Lock()
		delete(c.pendingJobs, jobID)
		c.mu.Unlock()
	}
}

// awaitPacket blocks until a packet arrives on ch, ctx expires, or the
// connection drops.
func (c *Client) awaitPacket(ctx context.Context, ch <-chan *packet) (*packet, error) {
	select {
	case pkt := <-ch:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrDisconnected
	}
}

// request sends a job-correlated client message and awaits its single
// response packet.
func (c *Client) request(ctx context.Context, emsg EMsg, body []byte) (*packet, error) {
	jobID, responseCh, cancel := c.newJob(1)
	defer cancel()

	hdr := newProtoHeader()
	hdr.JobIDSource = jobID
	if err := c.sendPacket(ctx, emsg, hdr, body); err != nil {
		return nil, fmt.Errorf("send %s: %w", emsg, err)
	}
	pkt, err := c.awaitPacket(ctx, responseCh)
	if err != nil {
		return nil, fmt.Errorf("wait for %s response: %w", emsg, err)
	}
	return pkt, nil
}

// callServiceMethod sends a unified service method request and awaits the
// matching response, correlated by job ID.
func (c *Client) callServiceMethod(ctx context.Context, method string, body []byte) (*packet, error) {
	jobID, responseCh, cancel := c.newJob(1)
	defer cancel()

	hdr := newProtoHeader()
	hdr.JobIDSource = jobID
	hdr.TargetJobName = method
	if err := c.sendPacket(ctx, EMsgServiceMethodCallFromClient, hdr, body); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	pkt, err := c.awaitPacket(ctx, responseCh)
	if err != nil {
		return nil, fmt.Errorf("wait for %s response: %w", method, err)
	}
	if pkt.Header.EResult != ResultOK {
		return pkt, subError(method, pkt.Header.EResult, 0)
	}
	return pkt, nil
}

func (c *Client) heartbeatLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			if err := c.sendPacket(context.Background(), EMsgClientHeartBeat, nil, nil); err != nil {
				c.logger.Error("heartbeat failed", "err", err)
				return
			}
		}
	}
}

// appendVarintField, appendStringField, appendBytesField and
// appendFixed64Field assemble the hand-built protobuf bodies.
func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}
