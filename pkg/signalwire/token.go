package signalwire

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// WebRTCToken for browser-based calls
type WebRTCToken struct {
	Token     string `json:"token"`
	Identity  string `json:"identity"`
	ExpiresAt int64  `json:"expires_at"`
}

// IncomingGrant allows the browser client to receive calls.
type IncomingGrant struct {
	Allow bool `json:"allow"`
}

// OutgoingGrant routes browser-originated calls through an application.
type OutgoingGrant struct {
	ApplicationSID string `json:"application_sid"`
}

// VoiceGrant is the voice capability section of an access token
type VoiceGrant struct {
	Incoming *IncomingGrant `json:"incoming,omitempty"`
	Outgoing *OutgoingGrant `json:"outgoing,omitempty"`
}

// Grants carries the identity and capabilities of the token holder
type Grants struct {
	Identity string      `json:"identity"`
	Voice    *VoiceGrant `json:"voice,omitempty"`
}

// AccessClaims is the JWT payload understood by the browser voice SDK
type AccessClaims struct {
	Grants Grants `json:"grants"`
	jwt.RegisteredClaims
}

// TokenIssuer signs capability tokens for browser clients
type TokenIssuer struct {
	accountSID     string
	keySID         string
	secret         []byte
	applicationSID string
	ttl            time.Duration
	now            func() time.Time
}

// NewTokenIssuer creates an issuer. keySID defaults to accountSID and ttl to one hour.
func NewTokenIssuer(accountSID, keySID, secret, applicationSID string, ttl time.Duration) *TokenIssuer {
	if keySID == "" {
		keySID = accountSID
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		accountSID:     accountSID,
		keySID:         keySID,
		secret:         []byte(secret),
		applicationSID: applicationSID,
		ttl:            ttl,
		now:            time.Now,
	}
}

// Issue signs a token allowing identity to place and receive calls.
func (ti *TokenIssuer) Issue(identity string) (*WebRTCToken, error) {
	if identity == "" {
		return nil, errors.New("identity is required")
	}
	if len(ti.secret) == 0 {
		return nil, errors.New("token signing key not configured")
	}

	now := ti.now()
	expiresAt := now.Add(ti.ttl)

	voice := &VoiceGrant{Incoming: &IncomingGrant{Allow: true}}
	if ti.applicationSID != "" {
		voice.Outgoing = &OutgoingGrant{ApplicationSID: ti.applicationSID}
	}

	claims := AccessClaims{
		Grants: Grants{
			Identity: identity,
			Voice:    voice,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%s", ti.keySID, uuid.New().String()),
			Issuer:    ti.keySID,
			Subject:   ti.accountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["cty"] = "twilio-fpa;v=1"

	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &WebRTCToken{
		Token:     signed,
		Identity:  identity,
		ExpiresAt: expiresAt.Unix(),
	}, nil
}
