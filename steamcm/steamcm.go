// Package steamcm provides the Steam Content-Manager client used by the
// tek-s3 control plane: long-lived authenticated sessions for catalog
// building and manifest request codes, and short-lived anonymous sessions
// for interactive sign-in.
package steamcm

import (
	"context"
	"log/slog"
	"net/http"
)

// Session is one upstream CM connection bound to a single account.
// All calls honor ctx cancellation and deadlines; the caller supplies
// per-call timeouts. Methods must not be called concurrently except
// ManifestRequestCode, which is safe alongside the idle wait on Done.
type Session interface {
	// Connect discovers a CM server and establishes the connection.
	Connect(ctx context.Context) error

	// SignIn authenticates the connection with a refresh token.
	SignIn(ctx context.Context, token string) error

	// RenewToken asks Steam for a renewed refresh token. An empty string
	// means the token was not renewed yet and remains valid as is.
	RenewToken(ctx context.Context, token string) (string, error)

	// Licenses returns the signed-in account's license list.
	Licenses(ctx context.Context) ([]License, error)

	// PackageInfo fetches PICS product info for the given licenses.
	// Each blob carries a binary-VDF payload.
	PackageInfo(ctx context.Context, licenses []License) ([]ProductBlob, error)

	// AppAccessTokens fetches PICS access tokens for the given apps.
	// Denied apps are present in the result with a zero token.
	AppAccessTokens(ctx context.Context, appIDs []uint32) (map[uint32]uint64, error)

	// AppInfo fetches PICS product info for the given apps. Each blob
	// carries a text-VDF payload. Apps reported with missing_token are
	// skipped silently.
	AppInfo(ctx context.Context, apps []PICSApp) ([]ProductBlob, error)

	// DepotKey fetches the AES-256 depot decryption key.
	DepotKey(ctx context.Context, appID, depotID uint32) ([32]byte, error)

	// ManifestRequestCode fetches the download code for a manifest.
	ManifestRequestCode(ctx context.Context, appID, depotID uint32, manifestID uint64) (uint64, error)

	// Disconnect closes the connection and waits for its goroutines.
	Disconnect() error

	// Done is closed when the connection drops, whether by Disconnect or
	// by a transport failure. Err reports the cause after Done is closed;
	// nil means a locally requested disconnect.
	Done() <-chan struct{}
	Err() error
}

// AuthSession is an interactive Steam authentication exchange over a
// dedicated anonymous CM connection. Events delivers challenge URLs,
// confirmation prompts, and the final outcome; the channel is closed
// after a Completed event or when the underlying connection drops.
type AuthSession interface {
	// BeginCredentials starts a credentials auth session. deviceName is
	// the friendly name shown in the account's authorized-device list.
	BeginCredentials(ctx context.Context, deviceName, accountName, password string) error

	// BeginQR starts a QR auth session. The first challenge URL is
	// delivered as a URL event.
	BeginQR(ctx context.Context, deviceName string) error

	// SubmitCode submits a Steam Guard code requested by a
	// Confirmations event.
	SubmitCode(ctx context.Context, kind GuardKind, code string) error

	Events() <-chan AuthEvent

	// Close tears down the CM connection. Safe to call at any time.
	Close() error
}

// Provider creates CM sessions. The control plane owns session lifecycles;
// the provider only constructs them.
type Provider interface {
	NewSession() Session
	NewAuthSession() AuthSession
}

// License names one owned package.
type License struct {
	PackageID   uint32
	AccessToken uint64
}

// PICSApp names one app in a PICS product-info request.
type PICSApp struct {
	AppID       uint32
	AccessToken uint64
}

// ProductBlob is one PICS product-info entry: a package blob carries
// binary VDF, an app blob text VDF.
type ProductBlob struct {
	ID   uint32
	Data []byte
}

// TokenInfo is what the server needs to know about a refresh token
// without verifying it.
type TokenInfo struct {
	SteamID   uint64
	Expires   int64 // Unix seconds
	Renewable bool
}

// GuardKind identifies a Steam Guard confirmation method.
type GuardKind int

const (
	GuardUnknown GuardKind = iota
	// GuardDevice is confirmation in the Steam mobile app; no code.
	GuardDevice
	// GuardCode is a TOTP code from the mobile app.
	GuardCode
	// GuardEmail is a code sent to the account's e-mail address.
	GuardEmail
)

func (k GuardKind) String() string {
	switch k {
	case GuardDevice:
		return "device"
	case GuardCode:
		return "guard_code"
	case GuardEmail:
		return "email"
	}
	return "unknown"
}

// AuthEvent is one step of an interactive auth exchange. Exactly one of
// the fields is meaningful: URL for a new QR challenge, Confirmations for
// a Steam Guard prompt, Completed for the final outcome.
type AuthEvent struct {
	URL           string
	Confirmations []GuardKind
	Completed     *AuthResult
}

// AuthResult is the outcome of an auth exchange. On success Token holds
// the refresh token; on failure Err carries the upstream error.
type AuthResult struct {
	Token string
	Err   error
}

// ClientProvider implements Provider with real CM connections.
type ClientProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
}

// ProviderOption configures a ClientProvider.
type ProviderOption func(*ClientProvider)

// WithProviderLogger sets the structured logger for all sessions.
func WithProviderLogger(l *slog.Logger) ProviderOption {
	return func(p *ClientProvider) { p.logger = l }
}

// WithProviderHTTPClient sets the HTTP client used for Web API calls
// (server discovery, RSA key fetch).
func WithProviderHTTPClient(h *http.Client) ProviderOption {
	return func(p *ClientProvider) { p.httpClient = h }
}

// NewProvider creates a Provider backed by real CM connections.
func NewProvider(opts ...ProviderOption) *ClientProvider {
	p := &ClientProvider{
		logger:     slog.Default(),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ClientProvider) NewSession() Session {
	return New(WithLogger(p.logger), WithHTTPClient(p.httpClient))
}

func (p *ClientProvider) NewAuthSession() AuthSession {
	return newAuthFlow(New(WithLogger(p.logger), WithHTTPClient(p.httpClient)))
}
