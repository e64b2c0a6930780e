package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/psaab/bpfpp/pkg/config"
)

type digest = [sha256.Size]byte

// authenticator guards the latency endpoints. A request passes with HTTP
// basic auth for a configured user, or with an API key sent as a bearer
// token or in X-API-Key. Secrets are kept and compared as SHA-256 digests
// in constant time.
type authenticator struct {
	users  map[string]digest
	keys   []digest
	public map[string]bool
}

// newAuthenticator returns nil when cfg configures no credentials.
func newAuthenticator(cfg config.APIConfig) *authenticator {
	if len(cfg.Users) == 0 && len(cfg.APIKeys) == 0 {
		return nil
	}
	a := &authenticator{
		users: make(map[string]digest, len(cfg.Users)),
		// Liveness and status carry no measurements.
		public: map[string]bool{"/health": true, "/api/v1/status": true},
	}
	for user, pass := range cfg.Users {
		a.users[user] = sha256.Sum256([]byte(pass))
	}
	for _, k := range cfg.APIKeys {
		a.keys = append(a.keys, sha256.Sum256([]byte(k)))
	}
	if !cfg.ProtectMetrics {
		a.public["/metrics"] = true
	}
	return a
}

func (a *authenticator) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.public[r.URL.Path] || a.allowed(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="bpfpp latency API"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func (a *authenticator) allowed(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" && a.validKey(key) {
		return true
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return a.validKey(token)
	}
	if payload, ok := strings.CutPrefix(auth, "Basic "); ok {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return false
		}
		user, pass, ok := strings.Cut(string(raw), ":")
		return ok && a.validUser(user, pass)
	}
	return false
}

// validKey compares against every key so the time taken does not depend
// on which key matched.
func (a *authenticator) validKey(key string) bool {
	sum := sha256.Sum256([]byte(key))
	match := 0
	for _, k := range a.keys {
		match |= subtle.ConstantTimeCompare(sum[:], k[:])
	}
	return match == 1
}

func (a *authenticator) validUser(user, pass string) bool {
	want, exists := a.users[user]
	sum := sha256.Sum256([]byte(pass))
	return subtle.ConstantTimeCompare(sum[:], want[:]) == 1 && exists
}
