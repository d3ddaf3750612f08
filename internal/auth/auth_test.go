package auth

import (
	"context"
	"net/http"
	"testing"
)

func TestPolicyAuthenticateGlobalKey(t *testing.T) {
	p := NewPolicy(map[string]string{"admin": "secret1"}, nil)
	id, ok := p.Authenticate("any-list", "secret1")
	if !ok {
		t.Fatal("expected global key to authenticate")
	}
	if !id.Global || id.KeyName != "admin" {
		t.Fatalf("identity = %+v, want global admin", id)
	}
}

func TestPolicyAuthenticateScopedKey(t *testing.T) {
	p := NewPolicy(nil, map[string]map[string]string{
		"in1": {"team-a": "secret2"},
	})
	id, ok := p.Authenticate("in1", "secret2")
	if !ok {
		t.Fatal("expected scoped key to authenticate against its own list")
	}
	if id.Global || id.KeyName != "team-a" {
		t.Fatalf("identity = %+v, want scoped team-a", id)
	}
}

func TestPolicyAuthenticateScopedKeyRejectedOnOtherList(t *testing.T) {
	p := NewPolicy(nil, map[string]map[string]string{
		"in1": {"team-a": "secret2"},
	})
	if _, ok := p.Authenticate("in2", "secret2"); ok {
		t.Fatal("a key scoped to in1 must not authenticate against in2")
	}
}

func TestPolicyAuthenticateRejectsWrongKey(t *testing.T) {
	p := NewPolicy(map[string]string{"admin": "secret1"}, nil)
	if _, ok := p.Authenticate("in1", "wrong"); ok {
		t.Fatal("expected wrong key to be rejected")
	}
}

func TestPolicyAuthenticateRejectsEmptyKey(t *testing.T) {
	p := NewPolicy(map[string]string{"admin": "secret1"}, nil)
	if _, ok := p.Authenticate("in1", ""); ok {
		t.Fatal("expected empty key to be rejected")
	}
}

func TestVerifyKeyConstantTimeCompare(t *testing.T) {
	hash := hashKey("secret1")
	if !VerifyKey("secret1", hash) {
		t.Fatal("expected matching plaintext to verify")
	}
	if VerifyKey("wrong", hash) {
		t.Fatal("expected non-matching plaintext to fail verification")
	}
}

func TestKeyFromRequestDefaultHeader(t *testing.T) {
	r, _ := http.NewRequest(http.MethodPost, "/ingress/in1", nil)
	r.Header.Set(DefaultHeaderName, "secret1")
	if got := KeyFromRequest(r, ""); got != "secret1" {
		t.Fatalf("KeyFromRequest = %q, want secret1", got)
	}
}

func TestKeyFromRequestCustomHeader(t *testing.T) {
	r, _ := http.NewRequest(http.MethodPost, "/ingress/in1", nil)
	r.Header.Set("x-custom-key", "secret1")
	if got := KeyFromRequest(r, "x-custom-key"); got != "secret1" {
		t.Fatalf("KeyFromRequest = %q, want secret1", got)
	}
}

func TestIdentityRoundTripsThroughContext(t *testing.T) {
	id := &Identity{KeyName: "admin", Global: true}
	ctx := WithIdentity(context.Background(), id)
	if got := GetIdentity(ctx); got != id {
		t.Fatalf("GetIdentity = %+v, want the identity that was stored", got)
	}
}

func TestGetIdentityAbsentReturnsNil(t *testing.T) {
	if got := GetIdentity(context.Background()); got != nil {
		t.Fatalf("GetIdentity = %+v, want nil on a bare context", got)
	}
}
