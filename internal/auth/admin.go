package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/magi-network/brainproxy/internal/config"
)

const adminIssuer = "brain-proxy"

// ErrLoginDisabled is returned by Login when no local admin user is configured.
var ErrLoginDisabled = errors.New("local admin login is not configured")

// Admin is an authenticated operator.
type Admin struct {
	Subject string
	Source  string // "local" or "jwks"
}

// AdminAuth issues and validates admin API tokens. Local tokens are HS256 JWTs
// issued by Login; when a JWKS URL is configured, tokens from that issuer are
// accepted as well.
type AdminAuth struct {
	username     string
	passwordHash []byte
	secret       []byte
	expiry       time.Duration

	issuer string
	jwks   keyfunc.Keyfunc

	now func() time.Time
}

// NewAdminAuth builds an AdminAuth from config. ctx bounds the JWKS background
// refresh.
func NewAdminAuth(ctx context.Context, cfg config.AdminConfig) (*AdminAuth, error) {
	a := &AdminAuth{
		username:     cfg.Username,
		passwordHash: []byte(cfg.PasswordHash),
		secret:       []byte(cfg.JWTSecret),
		expiry:       cfg.JWTExpiry.Duration,
		issuer:       cfg.Issuer,
		now:          time.Now,
	}
	if a.expiry <= 0 {
		a.expiry = 12 * time.Hour
	}

	if cfg.JWKSURL != "" {
		jwks, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("fetch JWKS from %s: %w", cfg.JWKSURL, err)
		}
		a.jwks = jwks
	}
	return a, nil
}

// Login checks the password against the configured bcrypt hash and returns a
// signed token with its expiry.
func (a *AdminAuth) Login(username, password string) (string, time.Time, error) {
	if a.username == "" {
		return "", time.Time{}, ErrLoginDisabled
	}
	if !SecretsEqual(username, a.username) {
		return "", time.Time{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrUnauthorized
	}

	now := a.now()
	exp := now.Add(a.expiry)
	claims := jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    adminIssuer,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.New().String(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, exp, nil
}

// ValidateToken accepts a locally issued token or, if configured, a token
// signed by the JWKS issuer.
func (a *AdminAuth) ValidateToken(ctx context.Context, tokenStr string) (*Admin, error) {
	if len(a.secret) > 0 {
		if admin, err := a.validateLocal(tokenStr); err == nil {
			return admin, nil
		}
	}
	if a.jwks != nil {
		return a.validateJWKS(ctx, tokenStr)
	}
	return nil, ErrUnauthorized
}

func (a *AdminAuth) validateLocal(tokenStr string) (*Admin, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(adminIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	return &Admin{Subject: claims.Subject, Source: "local"}, nil
}

func (a *AdminAuth) validateJWKS(ctx context.Context, tokenStr string) (*Admin, error) {
	token, err := jwt.Parse(tokenStr, a.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrUnauthorized
	}
	return &Admin{Subject: sub, Source: "jwks"}, nil
}
