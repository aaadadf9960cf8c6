// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"regexp"
	"strings"

	"github.com/opalfleet/opal/internal/config"
)

// errWebhookIgnored marks a webhook that authenticated fine but does
// not concern the tracked branch or event type. The endpoint answers
// 204 without triggering a re-check.
var errWebhookIgnored = errors.New("webhook ignored")

// WebhookValidator authenticates inbound repo webhooks with either an
// HMAC signature over the body or a shared token header, and filters
// them by tracked branch and an optional event pattern.
type WebhookValidator struct {
	secret          string
	scheme          string // hmac | token
	signatureHeader string
	hmacNew         func() hash.Hash
	tokenHeader     string
	branch          string
	eventPattern    *regexp.Regexp
}

func newWebhookValidator(cfg *config.Server) *WebhookValidator {
	v := &WebhookValidator{
		secret:          cfg.WebhookSecret,
		scheme:          cfg.WebhookAuthScheme,
		signatureHeader: cfg.WebhookSignatureHeader,
		tokenHeader:     cfg.WebhookTokenHeader,
		branch:          cfg.PolicyRepoBranch,
	}
	switch cfg.WebhookHMACAlgorithm {
	case "sha1":
		v.hmacNew = sha1.New
	case "sha512":
		v.hmacNew = sha512.New
	default:
		v.hmacNew = sha256.New
	}
	if cfg.WebhookEventPattern != "" {
		// Validated pattern; config validation ran before construction.
		v.eventPattern = regexp.MustCompile(cfg.WebhookEventPattern)
	}
	return v
}

// Validate authenticates the request and decides whether it should
// trigger a tracker re-check. Returns errWebhookIgnored for authentic
// but irrelevant deliveries and any other error for rejected ones.
func (v *WebhookValidator) Validate(r *http.Request, body []byte) error {
	if v.secret == "" {
		return fmt.Errorf("webhook secret not configured")
	}

	switch v.scheme {
	case "token":
		presented := r.Header.Get(v.tokenHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(v.secret)) != 1 {
			return fmt.Errorf("webhook token mismatch")
		}
	default:
		if err := v.checkSignature(r, body); err != nil {
			return err
		}
	}

	if v.eventPattern != nil && !v.eventPattern.Match(body) {
		return errWebhookIgnored
	}
	if !v.concernsBranch(body) {
		return errWebhookIgnored
	}
	return nil
}

func (v *WebhookValidator) checkSignature(r *http.Request, body []byte) error {
	presented := r.Header.Get(v.signatureHeader)
	if presented == "" {
		return fmt.Errorf("missing webhook signature header %s", v.signatureHeader)
	}
	// GitHub-style headers carry an algorithm prefix ("sha256=...").
	if i := strings.IndexByte(presented, '='); i > 0 {
		presented = presented[i+1:]
	}

	mac := hmac.New(v.hmacNew, []byte(v.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(presented), []byte(expected)) {
		return fmt.Errorf("webhook signature mismatch")
	}
	return nil
}

// concernsBranch accepts deliveries whose push ref names the tracked
// branch. Payloads without a ref field (ping events, bundle-style
// notifications) are accepted.
func (v *WebhookValidator) concernsBranch(body []byte) bool {
	var payload struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Ref == "" {
		return true
	}
	return payload.Ref == v.branch ||
		strings.HasSuffix(payload.Ref, "/"+v.branch)
}
