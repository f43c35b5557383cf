package steamcm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/k64z/rq"
	"google.golang.org/protobuf/encoding/protowire"
)

// authCallTimeout bounds each individual auth exchange with Steam; the
// overall session lives as long as the user keeps the bridge open.
const authCallTimeout = 3 * time.Second

// defaultPollInterval is used when Steam does not suggest one.
const defaultPollInterval = 5 * time.Second

// EAuthSessionGuardType values relevant to the sign-in bridge.
const (
	guardTypeEmailCode          = 2
	guardTypeDeviceCode         = 3
	guardTypeDeviceConfirmation = 4
)

// authFlow is an AuthSession over a dedicated anonymous CM connection.
// Begin* starts the exchange and a poll goroutine that drives it to
// completion; results and intermediate prompts flow through events.
type authFlow struct {
	client *Client

	events chan AuthEvent
	once   sync.Once // guards the events close

	mu        sync.Mutex
	clientID  uint64
	requestID []byte
	steamID   uint64
	started   bool
}

func newAuthFlow(client *Client) *authFlow {
	return &authFlow{
		client: client,
		events: make(chan AuthEvent, 4),
	}
}

func (f *authFlow) Events() <-chan AuthEvent {
	return f.events
}

// Close drops the CM connection; the poll goroutine observes the drop
// and closes the event channel.
func (f *authFlow) Close() error {
	err := f.client.Disconnect()
	// No poll goroutine runs before Begin*, so close the channel here.
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if !started {
		f.closeEvents()
	}
	return err
}

func (f *authFlow) closeEvents() {
	f.once.Do(func() { close(f.events) })
}

// emit delivers an event unless the connection dropped meanwhile.
func (f *authFlow) emit(ev AuthEvent) {
	select {
	case f.events <- ev:
	case <-f.client.done:
	}
}

func (f *authFlow) complete(result AuthResult) {
	f.emit(AuthEvent{Completed: &result})
	f.closeEvents()
}

// BeginCredentials starts a credentials auth session: the account
// password is RSA-encrypted with a key fetched from the Web API, never
// sent in the clear.
func (f *authFlow) BeginCredentials(ctx context.Context, deviceName, accountName, password string) error {
	const method = "Authentication.BeginAuthSessionViaCredentials#1"

	if err := f.client.Connect(ctx); err != nil {
		return err
	}

	key, err := fetchPasswordRSAKey(ctx, accountName)
	if err != nil {
		return err
	}
	encrypted, err := encryptPassword(password, key.mod, key.exp)
	if err != nil {
		return err
	}

	var body []byte
	body = appendStringField(body, 1, deviceName)    // device_friendly_name
	body = appendStringField(body, 2, accountName)   // account_name
	body = appendStringField(body, 3, encrypted)     // encrypted_password
	body = appendVarintField(body, 4, key.timestamp) // encryption_timestamp
	body = appendVarintField(body, 5, 1)             // remember_login
	body = appendVarintField(body, 6, 1)             // platform_type: steam client
	body = appendVarintField(body, 7, 1)             // persistence: persistent

	cctx, cancel := context.WithTimeout(ctx, authCallTimeout)
	defer cancel()
	pkt, err := f.client.callServiceMethod(cctx, method, body)
	if err != nil {
		return err
	}

	var (
		interval      time.Duration
		confirmations []GuardKind
	)
	s := fieldScanner{data: pkt.Body}
	for s.scan() {
		switch {
		case s.num == 1 && s.typ == protowire.VarintType:
			f.clientID = s.uval
		case s.num == 2 && s.typ == protowire.BytesType:
			f.requestID = append([]byte(nil), s.val...)
		case s.num == 3 && s.typ == protowire.Fixed32Type:
			interval = floatInterval(uint32(s.uval))
		case s.num == 4 && s.typ == protowire.BytesType:
			e := fieldScanner{data: s.val}
			for e.scan() {
				if e.num == 1 && e.typ == protowire.VarintType {
					confirmations = append(confirmations, guardKindOf(e.uval))
				}
			}
		case s.num == 5 && s.typ == protowire.VarintType:
			f.steamID = s.uval
		}
	}
	if s.err != nil {
		return fmt.Errorf("parse auth session response: %w", s.err)
	}
	if f.clientID == 0 || len(f.requestID) == 0 {
		return errors.New("steamcm: auth session response is missing session identifiers")
	}

	if len(confirmations) > 0 {
		f.emit(AuthEvent{Confirmations: confirmations})
	}
	f.startPolling(interval)
	return nil
}

// BeginQR starts a QR auth session. The first challenge URL arrives as a
// URL event; Steam refreshes it periodically through the poll responses.
func (f *authFlow) BeginQR(ctx context.Context, deviceName string) error {
	const method = "Authentication.BeginAuthSessionViaQR#1"

	if err := f.client.Connect(ctx); err != nil {
		return err
	}

	var body []byte
	body = appendStringField(body, 1, deviceName) // device_friendly_name
	body = appendVarintField(body, 2, 1)          // platform_type: steam client

	cctx, cancel := context.WithTimeout(ctx, authCallTimeout)
	defer cancel()
	pkt, err := f.client.callServiceMethod(cctx, method, body)
	if err != nil {
		return err
	}

	var (
		challengeURL string
		interval     time.Duration
	)
	s := fieldScanner{data: pkt.Body}
	for s.scan() {
		switch {
		case s.num == 1 && s.typ == protowire.VarintType:
			f.clientID = s.uval
		case s.num == 2 && s.typ == protowire.BytesType:
			challengeURL = string(s.val)
		case s.num == 3 && s.typ == protowire.BytesType:
			f.requestID = append([]byte(nil), s.val...)
		case s.num == 4 && s.typ == protowire.Fixed32Type:
			interval = floatInterval(uint32(s.uval))
		}
	}
	if s.err != nil {
		return fmt.Errorf("parse QR session response: %w", s.err)
	}
	if f.clientID == 0 || len(f.requestID) == 0 {
		return errors.New("steamcm: QR session response is missing session identifiers")
	}

	if challengeURL != "" {
		f.emit(AuthEvent{URL: challengeURL})
	}
	f.startPolling(interval)
	return nil
}

// SubmitCode forwards a Steam Guard code; the poll goroutine picks up
// the outcome.
func (f *authFlow) SubmitCode(ctx context.Context, kind GuardKind, code string) error {
	const method = "Authentication.UpdateAuthSessionWithSteamGuardCode#1"

	var codeType uint64
	switch kind {
	case GuardCode:
		codeType = guardTypeDeviceCode
	case GuardEmail:
		codeType = guardTypeEmailCode
	default:
		return fmt.Errorf("steamcm: guard kind %s takes no code", kind)
	}

	f.mu.Lock()
	clientID, steamID := f.clientID, f.steamID
	f.mu.Unlock()
	if clientID == 0 {
		return errors.New("steamcm: no auth session in progress")
	}

	var body []byte
	body = appendVarintField(body, 1, clientID)
	body = appendFixed64Field(body, 2, steamID)
	body = appendStringField(body, 3, code)
	body = appendVarintField(body, 4, codeType)

	cctx, cancel := context.WithTimeout(ctx, authCallTimeout)
	defer cancel()
	_, err := f.client.callServiceMethod(cctx, method, body)
	return err
}

func (f *authFlow) startPolling(interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	go f.poll(interval)
}

// poll drives the auth session until Steam hands out a refresh token,
// reports a failure, or the connection drops.
func (f *authFlow) poll(interval time.Duration) {
	const method = "Authentication.PollAuthSessionStatus#1"

	ticker := f.client.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.client.done:
			f.closeEvents()
			return
		case <-ticker.Chan():
		}

		f.mu.Lock()
		var body []byte
		body = appendVarintField(body, 1, f.clientID)
		body = appendBytesField(body, 2, f.requestID)
		f.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), authCallTimeout)
		pkt, err := f.client.callServiceMethod(ctx, method, body)
		cancel()
		switch {
		case err == nil:
		case IsTimeout(err):
			continue
		case errors.Is(err, ErrDisconnected):
			f.closeEvents()
			return
		default:
			f.complete(AuthResult{Err: err})
			return
		}

		var (
			newChallengeURL string
			refreshToken    string
		)
		s := fieldScanner{data: pkt.Body}
		for s.scan() {
			switch {
			case s.num == 1 && s.typ == protowire.VarintType:
				f.mu.Lock()
				f.clientID = s.uval
				f.mu.Unlock()
			case s.num == 2 && s.typ == protowire.BytesType:
				newChallengeURL = string(s.val)
			case s.num == 3 && s.typ == protowire.BytesType:
				refreshToken = string(s.val)
			}
		}
		if s.err != nil {
			f.complete(AuthResult{Err: fmt.Errorf("parse poll response: %w", s.err)})
			return
		}

		if refreshToken != "" {
			f.complete(AuthResult{Token: refreshToken})
			return
		}
		if newChallengeURL != "" {
			f.emit(AuthEvent{URL: newChallengeURL})
		}
	}
}

func guardKindOf(confirmationType uint64) GuardKind {
	switch confirmationType {
	case guardTypeDeviceConfirmation:
		return GuardDevice
	case guardTypeDeviceCode:
		return GuardCode
	case guardTypeEmailCode:
		return GuardEmail
	}
	return GuardUnknown
}

// floatInterval converts a float32 seconds wire value to a Duration.
func floatInterval(bits uint32) time.Duration {
	secs := math.Float32frombits(bits)
	if secs <= 0 || math.IsNaN(float64(secs)) {
		return 0
	}
	return time.Duration(float64(secs) * float64(time.Second))
}

type rsaKey struct {
	mod       string
	exp       int64
	timestamp uint64
}

// fetchPasswordRSAKey fetches the per-account RSA key passwords must be
// encrypted with before a credentials auth session.
func fetchPasswordRSAKey(ctx context.Context, accountName string) (rsaKey, error) {
	var key rsaKey

	payload := appendStringField(nil, 1, accountName) // account_name
	resp := rq.New().
		URL("https://api.steampowered.com/IAuthenticationService/GetPasswordRSAPublicKey/v1").
		QueryParam("origin", "https://steamcommunity.com").
		QueryParam("input_protobuf_encoded", base64.StdEncoding.EncodeToString(payload)).
		DoContext(ctx)
	if resp.Error() != nil {
		return key, fmt.Errorf("fetch RSA key: %w", resp.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return key, fmt.Errorf("fetch RSA key: HTTP %d", resp.StatusCode)
	}
	body, err := resp.Bytes()
	if err != nil {
		return key, fmt.Errorf("fetch RSA key: read body: %w", err)
	}

	var expHex string
	s := fieldScanner{data: body}
	for s.scan() {
		switch {
		case s.num == 1 && s.typ == protowire.BytesType:
			key.mod = string(s.val)
		case s.num == 2 && s.typ == protowire.BytesType:
			expHex = string(s.val)
		case s.num == 3 && s.typ == protowire.VarintType:
			key.timestamp = s.uval
		}
	}
	if s.err != nil {
		return key, fmt.Errorf("parse RSA key response: %w", s.err)
	}
	if key.mod == "" || expHex == "" {
		return key, errors.New("steamcm: malformed RSA key response")
	}
	key.exp, err = strconv.ParseInt(expHex, 16, 32)
	if err != nil {
		return key, fmt.Errorf("parse RSA exponent: %w", err)
	}
	return key, nil
}
