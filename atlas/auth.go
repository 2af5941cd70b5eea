package atlas

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// IdentityProvider checks a username/password pair against an external
// identity source.
type IdentityProvider interface {
	Authenticate(ctx context.Context, username, password string) error
}

// SSHIdentityProvider validates credentials by opening an SSH session to a
// trusted host; establishing the session within the timeout is the check.
type SSHIdentityProvider struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func (p SSHIdentityProvider) Authenticate(_ context.Context, username, password string) error {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("%w: ssh authentication failed", ErrUnauthorized)
	}
	client.Close()
	return nil
}

type tokenInfo struct {
	username string
	expiry   time.Time
}

// Authenticator owns the process-local token map. Tokens are opaque 128-bit
// random strings; there is no refresh, clients re-authenticate on expiry.
type Authenticator struct {
	mu       sync.Mutex
	tokens   map[string]tokenInfo
	ttl      time.Duration
	provider IdentityProvider
	now      func() time.Time
}

func NewAuthenticator(provider IdentityProvider, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		tokens:   make(map[string]tokenInfo),
		ttl:      ttl,
		provider: provider,
		now:      time.Now,
	}
}

func (a *Authenticator) TTL() time.Duration { return a.ttl }

// IssueToken checks credentials against the identity provider and mints a
// token on success.
func (a *Authenticator) IssueToken(ctx context.Context, username, password string) (string, error) {
	if err := a.provider.Authenticate(ctx, username, password); err != nil {
		return "", err
	}
	return a.Grant(username), nil
}

// Grant mints a token for an identity that has already been verified by some
// other path (e.g. repository-membership proof).
func (a *Authenticator) Grant(username string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// An all-zero token must never be handed out.
		panic(err)
	}
	token := hex.EncodeToString(buf)

	a.mu.Lock()
	a.tokens[token] = tokenInfo{username: username, expiry: a.now().Add(a.ttl)}
	a.mu.Unlock()
	return token
}

// Validate returns the username a token was issued for. Expired entries are
// deleted eagerly.
func (a *Authenticator) Validate(token string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.tokens[token]
	if !ok {
		return "", fmt.Errorf("%w: invalid or expired token", ErrUnauthorized)
	}
	if a.now().After(info.expiry) {
		delete(a.tokens, token)
		return "", fmt.Errorf("%w: invalid or expired token", ErrUnauthorized)
	}
	return info.username, nil
}
