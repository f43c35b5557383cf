package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/k64z/tek-s3/steamcm"
)

// signinReadLimit caps inbound frames; anything larger kills the
// connection.
const signinReadLimit = 32768

// signinBeginTimeout covers the whole Begin exchange: CM connect, RSA
// key fetch, and the auth session call.
const signinBeginTimeout = 10 * time.Second

// authCallTimeout bounds a single follow-up auth call.
const authCallTimeout = 3 * time.Second

// clientMsg is one inbound frame of the sign-in protocol.
type clientMsg struct {
	Type        string `json:"type"`
	AccountName string `json:"account_name"`
	Password    string `json:"password"`
	Code        string `json:"code"`
}

// wireError mirrors the upstream error taxonomy: the originating layer,
// the primary result code, and the auxiliary code when the layer
// carries one.
type wireError struct {
	Type      string `json:"type"`
	Primary   int32  `json:"primary"`
	Auxiliary *int32 `json:"auxiliary,omitempty"`
}

type wireResult struct {
	Renewable bool  `json:"renewable"`
	Expires   int64 `json:"expires,omitempty"`
}

type signinState int

const (
	stateInit signinState = iota
	stateAuth
	stateDone
)

// handleSignIn runs one interactive sign-in exchange over a WebSocket.
// Any protocol violation closes the connection without a response; a
// captured refresh token is handed to the session manager once the
// socket is gone.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(signinReadLimit)

	conn := &signinConn{
		server: s,
		ws:     ws,
		out:    make(chan outFrame, 8),
	}
	conn.run(r.Context())

	conn.mu.Lock()
	token := conn.token
	conn.mu.Unlock()
	if token != "" {
		s.pool.AddSignedIn(token)
	}
}

// outFrame is one queued outbound frame. close requests a graceful
// close after the frame (or immediately when data is nil).
type outFrame struct {
	data  []byte
	close bool
}

type signinConn struct {
	server *Server
	ws     *websocket.Conn
	out    chan outFrame

	mu          sync.Mutex
	codeAllowed bool
	token       string
}

func (c *signinConn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		c.writer(ctx)
	}()

	var auth steamcm.AuthSession
	state := stateInit

read:
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			break
		}
		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			break
		}

		switch msg.Type {
		case "credentials", "qr":
			if state != stateInit {
				break read
			}
			if msg.Type == "credentials" && (msg.AccountName == "" || msg.Password == "") {
				break read
			}
			auth = c.server.provider.NewAuthSession()
			bctx, bcancel := context.WithTimeout(ctx, signinBeginTimeout)
			if msg.Type == "credentials" {
				err = auth.BeginCredentials(bctx, c.server.deviceName(), msg.AccountName, msg.Password)
			} else {
				err = auth.BeginQR(bctx, c.server.deviceName())
			}
			bcancel()
			if err != nil {
				c.enqueue(ctx, outFrame{data: errorFrame(err), close: true})
				state = stateDone
				continue
			}
			go c.pump(ctx, auth)
			state = stateAuth

		case "guard_code", "email":
			c.mu.Lock()
			allowed := c.codeAllowed
			c.mu.Unlock()
			if state != stateAuth || !allowed || msg.Code == "" {
				break read
			}
			kind := steamcm.GuardCode
			if msg.Type == "email" {
				kind = steamcm.GuardEmail
			}
			sctx, scancel := context.WithTimeout(ctx, authCallTimeout)
			err := auth.SubmitCode(sctx, kind, msg.Code)
			scancel()
			if err != nil {
				c.enqueue(ctx, outFrame{data: errorFrame(err), close: true})
				state = stateDone
			}

		default:
			break read
		}
	}

	cancel()
	writerDone.Wait()
	c.ws.CloseNow()
	if auth != nil {
		auth.Close()
	}
}

// writer is the only goroutine touching the write side of the socket.
func (c *signinConn) writer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.out:
			if f.data != nil {
				if err := c.ws.Write(ctx, websocket.MessageText, f.data); err != nil {
					return
				}
			}
			if f.close {
				c.ws.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func (c *signinConn) enqueue(ctx context.Context, f outFrame) {
	select {
	case c.out <- f:
	case <-ctx.Done():
	}
}

// pump forwards auth session events to the socket. A Completed event
// finishes the exchange; the session dropping without one closes the
// socket without a frame.
func (c *signinConn) pump(ctx context.Context, auth steamcm.AuthSession) {
	completed := false
	for ev := range auth.Events() {
		switch {
		case ev.Completed != nil:
			completed = true
			c.finish(ctx, ev.Completed)
		case ev.URL != "":
			data, _ := json.Marshal(struct {
				URL string `json:"url"`
			}{ev.URL})
			c.enqueue(ctx, outFrame{data: data})
		case len(ev.Confirmations) > 0:
			c.mu.Lock()
			c.codeAllowed = true
			c.mu.Unlock()
			kinds := make([]string, 0, len(ev.Confirmations))
			for _, k := range ev.Confirmations {
				kinds = append(kinds, k.String())
			}
			data, _ := json.Marshal(struct {
				Confirmations []string `json:"confirmations"`
			}{kinds})
			c.enqueue(ctx, outFrame{data: data})
		}
	}
	if !completed {
		c.enqueue(ctx, outFrame{close: true})
	}
}

func (c *signinConn) finish(ctx context.Context, result *steamcm.AuthResult) {
	if result.Err != nil {
		c.enqueue(ctx, outFrame{data: errorFrame(result.Err), close: true})
		return
	}
	info, err := steamcm.ParseToken(result.Token)
	if err != nil {
		c.enqueue(ctx, outFrame{data: errorFrame(err), close: true})
		return
	}

	c.mu.Lock()
	c.token = result.Token
	c.mu.Unlock()

	out := wireResult{Renewable: info.Renewable}
	if !info.Renewable {
		out.Expires = info.Expires
	}
	data, _ := json.Marshal(out)
	c.enqueue(ctx, outFrame{data: data, close: true})
}

func errorFrame(err error) []byte {
	we := wireError{Type: steamcm.ErrTypeBasic.String(), Primary: int32(steamcm.ResultFail)}
	var e *steamcm.Error
	switch {
	case errors.As(err, &e):
		we.Type = e.Type.String()
		we.Primary = int32(e.Primary)
		if e.Type != steamcm.ErrTypeBasic {
			aux := int32(e.Auxiliary)
			we.Auxiliary = &aux
		}
	case steamcm.IsTimeout(err):
		we.Primary = int32(steamcm.ResultTimeout)
	}
	data, _ := json.Marshal(struct {
		Error wireError `json:"error"`
	}{we})
	return data
}
