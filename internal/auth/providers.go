package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// timestampWindow is the allowed clock skew for HMAC-signed requests.
const timestampWindow = 300 * time.Second

// Credentials carries whatever a client presents to authenticate:
// a bearer token, or an HMAC-signed request, or just a client id.
type Credentials struct {
	ClientID  string `json:"client_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Signature string `json:"signature,omitempty"`
	Body      string `json:"body,omitempty"`
}

// Provider validates credentials. A nil Context return means
// authentication failed.
type Provider interface {
	Authenticate(credentials Credentials) (*Context, error)
}

// NoAuthProvider grants every client the default role. For local
// development only.
type NoAuthProvider struct {
	DefaultRole *Role
}

// NewNoAuthProvider returns a provider granting the user role.
func NewNoAuthProvider() *NoAuthProvider {
	return &NoAuthProvider{DefaultRole: RoleUser}
}

// Authenticate grants access with the default role.
func (p *NoAuthProvider) Authenticate(credentials Credentials) (*Context, error) {
	clientID := credentials.ClientID
	if clientID == "" {
		clientID = "anonymous"
	}
	return &Context{ClientID: clientID, Authenticated: true, Role: p.DefaultRole}, nil
}

// TokenProvider validates bearer tokens. Only SHA-256 hashes of tokens are
// stored; lookups compare hashes in constant time.
type TokenProvider struct {
	mu     sync.RWMutex
	tokens map[string]*Role // hex hash -> role
}

// NewTokenProvider returns an empty token provider.
func NewTokenProvider() *TokenProvider {
	return &TokenProvider{tokens: make(map[string]*Role)}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AddToken registers a token with its role.
func (p *TokenProvider) AddToken(token string, role *Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[hashToken(token)] = role
}

// GenerateToken creates, registers, and returns a fresh token for a role.
func (p *TokenProvider) GenerateToken(role *Role) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	p.AddToken(token, role)
	return token, nil
}

// RevokeToken removes a token. Returns true when the token was known.
func (p *TokenProvider) RevokeToken(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hash := hashToken(token)
	if _, ok := p.tokens[hash]; !ok {
		return false
	}
	delete(p.tokens, hash)
	return true
}

// Authenticate validates a bearer token. The client id is derived from the
// token hash so logs never carry the token itself.
func (p *TokenProvider) Authenticate(credentials Credentials) (*Context, error) {
	if credentials.Token == "" {
		return nil, nil
	}

	hash := hashToken(credentials.Token)

	p.mu.RLock()
	defer p.mu.RUnlock()
	for stored, role := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1 {
			return &Context{ClientID: hash[:16], Authenticated: true, Role: role}, nil
		}
	}
	return nil, nil
}

// HMACProvider validates per-request HMAC-SHA256 signatures over
// clientId:timestamp:body with a shared secret, rejecting timestamps
// outside the skew window.
type HMACProvider struct {
	mu      sync.RWMutex
	clients map[string]hmacClient
	logger  *slog.Logger

	now func() time.Time
}

type hmacClient struct {
	secret string
	role   *Role
}

// NewHMACProvider returns an empty HMAC provider.
func NewHMACProvider(logger *slog.Logger) *HMACProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &HMACProvider{
		clients: make(map[string]hmacClient),
		logger:  logger.With("component", "auth"),
		now:     time.Now,
	}
}

// AddClient registers a client with its shared secret.
func (p *HMACProvider) AddClient(clientID, secret string, role *Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[clientID] = hmacClient{secret: secret, role: role}
}

// GenerateClient creates and registers a fresh secret for a client.
func (p *HMACProvider) GenerateClient(clientID string, role *Role) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	p.AddClient(clientID, secret, role)
	return secret, nil
}

// Sign computes the signature a client should send for a request body at
// the given timestamp.
func Sign(secret, clientID, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s:%s", clientID, timestamp, body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate validates an HMAC-signed request.
func (p *HMACProvider) Authenticate(credentials Credentials) (*Context, error) {
	if credentials.ClientID == "" || credentials.Timestamp == "" || credentials.Signature == "" {
		return nil, nil
	}

	ts, err := strconv.ParseInt(credentials.Timestamp, 10, 64)
	if err != nil {
		return nil, nil
	}
	skew := p.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > timestampWindow {
		p.logger.Warn("stale timestamp", "client_id", credentials.ClientID)
		return nil, nil
	}

	p.mu.RLock()
	client, ok := p.clients[credentials.ClientID]
	p.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	expected := Sign(client.secret, credentials.ClientID, credentials.Timestamp, credentials.Body)
	if !hmac.Equal([]byte(credentials.Signature), []byte(expected)) {
		p.logger.Warn("invalid signature", "client_id", credentials.ClientID)
		return nil, nil
	}

	return &Context{ClientID: credentials.ClientID, Authenticated: true, Role: client.role}, nil
}
