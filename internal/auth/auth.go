// Package auth implements ingress admission authentication:
// a caller presents either a global admin key, good for any ingress list,
// or a key scoped to one ingress list via the ingress_auth policy.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

// DefaultHeaderName is the default header carrying the caller's API key.
const DefaultHeaderName = "x-conserver-api-token"

// Identity is the caller admitted by a successful authentication check.
type Identity struct {
	// KeyName identifies which key matched, for audit logging.
	KeyName string
	// Global is true when the match was against a global admin key, in
	// which case the caller may enqueue into any ingress list.
	Global bool
}

// contextKey is used for storing Identity in context
type contextKey struct{}

var identityKey = contextKey{}

// WithIdentity adds an Identity to the context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity from context
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

// Policy is the ingress_auth policy: a set of
// global admin keys plus a per-ingress-list set of accepted scoped keys.
type Policy struct {
	globalKeys map[string]string            // hash -> key name
	listKeys   map[string]map[string]string // ingress list -> hash -> key name
}

// NewPolicy builds a Policy from plaintext keys. globalKeys maps key name to
// plaintext key; listKeys maps ingress list name to a map of key name to
// plaintext key. Only hashes are retained.
func NewPolicy(globalKeys map[string]string, listKeys map[string]map[string]string) *Policy {
	p := &Policy{
		globalKeys: make(map[string]string, len(globalKeys)),
		listKeys:   make(map[string]map[string]string, len(listKeys)),
	}
	for name, key := range globalKeys {
		p.globalKeys[hashKey(key)] = name
	}
	for list, keys := range listKeys {
		m := make(map[string]string, len(keys))
		for name, key := range keys {
			m[hashKey(key)] = name
		}
		p.listKeys[list] = m
	}
	return p
}

// Authenticate checks key against the global admin keys first, then the
// scoped keys for ingressList. A miss or mismatch returns (nil, false),
// which the caller must treat as forbidden.
func (p *Policy) Authenticate(ingressList, key string) (*Identity, bool) {
	if key == "" {
		return nil, false
	}
	h := hashKey(key)
	if name, ok := p.globalKeys[h]; ok {
		return &Identity{KeyName: name, Global: true}, true
	}
	if scoped, ok := p.listKeys[ingressList]; ok {
		if name, ok := scoped[h]; ok {
			return &Identity{KeyName: name, Global: false}, true
		}
	}
	return nil, false
}

// KeyFromRequest extracts the caller's key from the configured header.
func KeyFromRequest(r *http.Request, headerName string) string {
	if headerName == "" {
		headerName = DefaultHeaderName
	}
	return r.Header.Get(headerName)
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// VerifyKey checks a plaintext key against a stored hash in constant time.
func VerifyKey(plaintext, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashKey(plaintext)), []byte(hash)) == 1
}
