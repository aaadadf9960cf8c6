// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package auth implements the two credentials of the system: the
// static master token (only used to mint JWTs) and the JWTs presented
// by clients and data-source publishers.
package auth

import (
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// PeerType identifies what a minted token is allowed to do.
type PeerType string

const (
	PeerClient     PeerType = "client"
	PeerDataSource PeerType = "datasource"
)

// Valid reports whether t is a known peer type.
func (t PeerType) Valid() bool {
	return t == PeerClient || t == PeerDataSource
}

// Claims are the JWT claims carried by client and datasource tokens.
type Claims struct {
	PeerType PeerType `json:"peer_type"`
	jwt.RegisteredClaims
}

// Config selects the signing scheme. When PrivateKeyFile and
// PublicKeyFile are set, tokens are signed RS256 with that key pair;
// otherwise Secret is used with HS256.
type Config struct {
	MasterToken    string
	Secret         string
	PrivateKeyFile string
	PublicKeyFile  string
	Audience       string
	Issuer         string
	TokenTTL       time.Duration
}

// Authenticator mints and verifies tokens.
type Authenticator struct {
	cfg        Config
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// New loads the configured key material. Either a shared secret or an
// RSA key pair must be configured.
func New(cfg Config) (*Authenticator, error) {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 365 * 24 * time.Hour
	}

	a := &Authenticator{cfg: cfg}

	if cfg.PrivateKeyFile != "" || cfg.PublicKeyFile != "" {
		privPEM, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key %s: %w", cfg.PrivateKeyFile, err)
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		pubPEM, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key %s: %w", cfg.PublicKeyFile, err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		a.privateKey = priv
		a.publicKey = pub
		return a, nil
	}

	if cfg.Secret == "" {
		return nil, fmt.Errorf("no JWT signing material configured")
	}
	return a, nil
}

// CheckMasterToken compares the presented token against the configured
// master token in constant time. A server with no master token
// configured rejects all minting requests.
func (a *Authenticator) CheckMasterToken(presented string) bool {
	if a.cfg.MasterToken == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.cfg.MasterToken), []byte(presented)) == 1
}

// Mint issues a JWT for the given peer type.
func (a *Authenticator) Mint(peer PeerType) (string, *Claims, error) {
	if !peer.Valid() {
		return "", nil, fmt.Errorf("unknown peer type: %s", peer)
	}

	now := time.Now()
	claims := &Claims{
		PeerType: peer,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   string(peer),
			Audience:  jwt.ClaimStrings{a.cfg.Audience},
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
		},
	}

	var (
		token  *jwt.Token
		signed string
		err    error
	)
	if a.privateKey != nil {
		token = jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		signed, err = token.SignedString(a.privateKey)
	} else {
		token = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err = token.SignedString([]byte(a.cfg.Secret))
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a JWT: signature, audience, issuer and
// expiry must all check out.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if a.publicKey != nil {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.cfg.Secret), nil
	},
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if !claims.PeerType.Valid() {
		return nil, fmt.Errorf("token carries unknown peer type %q", claims.PeerType)
	}
	return claims, nil
}

// VerifyPeer validates a token and additionally requires a specific
// peer type.
func (a *Authenticator) VerifyPeer(tokenString string, want PeerType) (*Claims, error) {
	claims, err := a.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.PeerType != want {
		return nil, fmt.Errorf("token peer type is %q, want %q", claims.PeerType, want)
	}
	return claims, nil
}
