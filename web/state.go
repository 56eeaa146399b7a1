package web

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/deemkeen/followbridge/follow"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// StateTTL bounds how long a user may take at their IndieAuth provider.
const StateTTL = time.Hour

var errInvalidState = errors.New("invalid or expired state")

// deriveKey gives each token kind its own HMAC key from the one configured
// secret.
func deriveKey(secret []byte, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("followbridge "+purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}

// randomSecret is used when no secret is configured. Tokens then do not
// survive a restart.
func randomSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// AuthState is what survives the round trip through the IndieAuth
// provider. Target is the address to follow or the follower key to undo.
// CodeVerifier is never encoded; it is derived again from FlowID.
type AuthState struct {
	Flow         follow.Kind
	FlowID       string
	Endpoint     string
	Me           string
	Target       string
	Protocol     string
	Started      time.Time
	CodeVerifier string
}

type stateClaims struct {
	Flow     follow.Kind `json:"flow"`
	FlowID   string      `json:"fid"`
	Endpoint string      `json:"endpoint"`
	Me       string      `json:"me"`
	Target   string      `json:"target"`
	Protocol string      `json:"protocol,omitempty"`
	jwt.RegisteredClaims
}

// StateBag signs and checks the OAuth state parameter.
type StateBag struct {
	key  []byte
	pkce []byte
	ttl  time.Duration
	now  func() time.Time
}

func NewStateBag(secret []byte) (*StateBag, error) {
	key, err := deriveKey(secret, "state")
	if err != nil {
		return nil, err
	}
	pkce, err := deriveKey(secret, "pkce")
	if err != nil {
		return nil, err
	}
	return &StateBag{key: key, pkce: pkce, ttl: StateTTL, now: time.Now}, nil
}

// Verifier returns the PKCE code verifier for a flow. The state parameter
// is visible to the provider, so the verifier is keyed by the flow id
// instead of travelling in it.
func (b *StateBag) Verifier(flowID string) string {
	mac := hmac.New(sha256.New, b.pkce)
	mac.Write([]byte(flowID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (b *StateBag) Encode(state *AuthState) (string, error) {
	started := state.Started
	if started.IsZero() {
		started = b.now()
	}
	claims := stateClaims{
		Flow:     state.Flow,
		FlowID:   state.FlowID,
		Endpoint: state.Endpoint,
		Me:       state.Me,
		Target:   state.Target,
		Protocol: state.Protocol,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(started),
			ExpiresAt: jwt.NewNumericDate(b.now().Add(b.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.key)
}

// Decode rejects tokens that are tampered with, expired, or issued for a
// different flow.
func (b *StateBag) Decode(token string, flow follow.Kind) (*AuthState, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return b.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(b.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidState, err)
	}
	if claims.Flow != flow {
		return nil, fmt.Errorf("%w: state is for %s, not %s", errInvalidState, claims.Flow, flow)
	}

	state := &AuthState{
		Flow:         claims.Flow,
		FlowID:       claims.FlowID,
		Endpoint:     claims.Endpoint,
		Me:           claims.Me,
		Target:       claims.Target,
		Protocol:     claims.Protocol,
		CodeVerifier: b.Verifier(claims.FlowID),
	}
	if claims.IssuedAt != nil {
		state.Started = claims.IssuedAt.Time
	}
	return state, nil
}
