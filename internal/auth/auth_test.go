// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package auth

import (
	"strings"
	"testing"
	"time"
)

func testAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New(Config{
		MasterToken: "master-secret",
		Secret:      "hmac-secret",
		Audience:    "https://api.opal.ac/v1/",
		Issuer:      "https://opal.ac/",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRequiresSigningMaterial(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error with no signing material")
	}
}

func TestMasterToken(t *testing.T) {
	a := testAuthenticator(t)

	tests := []struct {
		name      string
		presented string
		want      bool
	}{
		{"correct", "master-secret", true},
		{"wrong", "other", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.CheckMasterToken(tt.presented); got != tt.want {
				t.Errorf("CheckMasterToken(%q) = %v, want %v", tt.presented, got, tt.want)
			}
		})
	}
}

func TestMasterTokenUnconfiguredRejectsAll(t *testing.T) {
	a, err := New(Config{Secret: "s", Audience: "aud", Issuer: "iss"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.CheckMasterToken("") || a.CheckMasterToken("anything") {
		t.Error("server without a master token must reject all minting requests")
	}
}

func TestMintAndVerify(t *testing.T) {
	a := testAuthenticator(t)

	for _, peer := range []PeerType{PeerClient, PeerDataSource} {
		token, claims, err := a.Mint(peer)
		if err != nil {
			t.Fatalf("Mint(%s): %v", peer, err)
		}
		if claims.PeerType != peer {
			t.Errorf("minted peer type = %q, want %q", claims.PeerType, peer)
		}

		verified, err := a.Verify(token)
		if err != nil {
			t.Fatalf("Verify(%s): %v", peer, err)
		}
		if verified.PeerType != peer {
			t.Errorf("verified peer type = %q, want %q", verified.PeerType, peer)
		}
	}
}

func TestVerifyPeerTypeMismatch(t *testing.T) {
	a := testAuthenticator(t)

	token, _, err := a.Mint(PeerClient)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := a.VerifyPeer(token, PeerDataSource); err == nil {
		t.Error("client token accepted as datasource")
	}
	if _, err := a.VerifyPeer(token, PeerClient); err != nil {
		t.Errorf("client token rejected as client: %v", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	a := testAuthenticator(t)

	token, _, err := a.Mint(PeerClient)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA"
	if _, err := a.Verify(tampered); err == nil {
		t.Error("tampered token accepted")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	minter := testAuthenticator(t)
	verifier, err := New(Config{
		Secret:   "hmac-secret",
		Audience: "https://someone-else/",
		Issuer:   "https://opal.ac/",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, _, err := minter.Mint(PeerClient)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Error("token with wrong audience accepted")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	a, err := New(Config{
		Secret:   "hmac-secret",
		Audience: "aud",
		Issuer:   "iss",
		TokenTTL: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token, _, err := a.Mint(PeerClient)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := a.Verify(token); err == nil {
		t.Error("expired token accepted")
	}
}
