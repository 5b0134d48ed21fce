// Package qauth authenticates trigger callers against a static set of clients.
package qauth

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Wildcard matches any IP or language.
const Wildcard = "*"

var (
	// ErrUnauthenticated is matched by every *AuthError.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrDuplicateClient is returned when two clients share a secret key.
	ErrDuplicateClient = errors.New("duplicate client secret key")
	// ErrEmptySecret is returned for a client without a secret key.
	ErrEmptySecret = errors.New("client secret key is empty")
)

// Reason identifies why authentication failed.
type Reason uint8

const (
	ReasonClientNotFound Reason = iota + 1
	ReasonInvalidLanguage
	ReasonUnauthorizedIP
	ReasonInvalidSecretKey
)

func (r Reason) String() string {
	switch r {
	case ReasonClientNotFound:
		return "client not found"
	case ReasonInvalidLanguage:
		return "invalid language"
	case ReasonUnauthorizedIP:
		return "unauthorized IP"
	case ReasonInvalidSecretKey:
		return "invalid secret key"
	default:
		return "invalid"
	}
}

// AuthError is returned by Authenticate.
type AuthError struct {
	Reason  Reason
	Message string
}

func (e *AuthError) Error() string { return e.Message }

func (e *AuthError) Is(target error) bool { return target == ErrUnauthenticated }

// Client is an authorized caller.
type Client struct {
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	IP        string `mapstructure:"ip" yaml:"ip"`
	Language  string `mapstructure:"language" yaml:"language"`
}

// ID returns a stable identifier derived from the secret key, safe to log and
// use as a metric label.
func (c *Client) ID() string {
	if c == nil {
		return "anonymous"
	}
	return FingerprintHex(c.SecretKey)
}

// FingerprintHex hashes a secret key into a short hex identifier.
func FingerprintHex(secret string) string {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// Registry maps secret keys to clients. It is read-only after construction.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry builds a registry. Missing IP or language fields default to the
// wildcard.
func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		if c.SecretKey == "" {
			return nil, ErrEmptySecret
		}
		if _, ok := r.clients[c.SecretKey]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateClient, FingerprintHex(c.SecretKey))
		}
		if c.IP == "" {
			c.IP = Wildcard
		}
		if c.Language == "" {
			c.Language = Wildcard
		}
		r.clients[c.SecretKey] = &c
	}
	return r, nil
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.clients)
}

// Authenticate checks credentials. With an empty registry every caller is
// allowed and no client is returned.
func (r *Registry) Authenticate(cred Credentials) (*Client, error) {
	if r.Len() == 0 {
		return nil, nil
	}
	c, ok := r.clients[cred.SecretKey]
	if !ok {
		return nil, &AuthError{
			Reason:  ReasonClientNotFound,
			Message: fmt.Sprintf("Authentication Failed: Client with ip=%s not found in the list of authorized clients", cred.IP),
		}
	}
	if c.Language != Wildcard && c.Language != cred.Language {
		return nil, &AuthError{
			Reason:  ReasonInvalidLanguage,
			Message: fmt.Sprintf("Invalid Language: '%s' is not allowed for ip=%s, expected '%s'", cred.Language, cred.IP, c.Language),
		}
	}
	if c.IP != Wildcard && c.IP != cred.IP {
		return nil, &AuthError{
			Reason:  ReasonUnauthorizedIP,
			Message: fmt.Sprintf("Authentication Failed: Client with ip=%s not authorized to access the server", cred.IP),
		}
	}
	if subtle.ConstantTimeCompare([]byte(c.SecretKey), []byte(cred.SecretKey)) != 1 {
		return nil, &AuthError{
			Reason:  ReasonInvalidSecretKey,
			Message: fmt.Sprintf("Authentication Failed: Client at ip=%s provided an invalid secret_key", cred.IP),
		}
	}
	return c, nil
}
