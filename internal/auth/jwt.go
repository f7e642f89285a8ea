package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"softphone-bridge/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingCredentials = errors.New("auth: voice token credentials not configured")

type Issuer struct {
	accountSID  string
	apiKey      string
	apiSecret   []byte
	twimlAppSID string
	ttl         time.Duration
}

// NewIssuer never fails; missing credentials are reported per Issue call so the
// service can boot without device support.
func NewIssuer(cfg config.TwilioConfig) *Issuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{
		accountSID:  cfg.AccountSID,
		apiKey:      cfg.APIKey,
		apiSecret:   []byte(cfg.APISecret),
		twimlAppSID: cfg.TwiMLAppSID,
		ttl:         ttl,
	}
}

type Token struct {
	JWT       string
	Identity  string
	ExpiresAt time.Time
}

/* ===================== ISSUE TOKEN ===================== */

func (i *Issuer) Issue(now time.Time, identity string) (Token, error) {
	if i.accountSID == "" || i.apiKey == "" || len(i.apiSecret) == 0 || i.twimlAppSID == "" {
		return Token{}, ErrMissingCredentials
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Token{}, errors.New("auth: identity is required")
	}

	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", i.apiKey, now.Unix()),
			Issuer:    i.apiKey,
			Subject:   i.accountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Grants: Grants{
			Identity: identity,
			Voice: &VoiceGrant{
				Incoming: &IncomingGrant{Allow: true},
				Outgoing: &OutgoingGrant{ApplicationSID: i.twimlAppSID},
			},
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["cty"] = contentType
	signed, err := t.SignedString(i.apiSecret)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return Token{JWT: signed, Identity: identity, ExpiresAt: exp}, nil
}

/* ===================== VERIFY TOKEN ===================== */

// Verify checks a token this issuer signed. The CLI uses it to inspect tokens.
func (i *Issuer) Verify(tokenString string, now time.Time) (Claims, error) {
	if len(i.apiSecret) == 0 {
		return Claims{}, ErrMissingCredentials
	}

	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30*time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(i.apiKey),
	)
	tok, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return i.apiSecret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	if cty, _ := tok.Header["cty"].(string); cty != contentType {
		return Claims{}, errors.New("auth: unexpected token content type")
	}
	if claims.Grants.Identity == "" {
		return Claims{}, errors.New("auth: identity grant missing")
	}
	if claims.Grants.Voice == nil {
		return Claims{}, errors.New("auth: voice grant missing")
	}
	return claims, nil
}

// Inspect decodes a token without verifying its signature.
func Inspect(tokenString string) (Claims, map[string]any, error) {
	var claims Claims
	tok, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims)
	if err != nil {
		return Claims{}, nil, err
	}
	return claims, tok.Header, nil
}
