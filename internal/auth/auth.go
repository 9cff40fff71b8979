// Package auth implements the private socket's authentication mechanisms:
// a random cookie file, a single configured user:pass, and multiple
// rpcauth-style name:salt$hmac entries, all compared in constant time.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnauthorized is returned by Authorizer.Check when no mechanism
// accepts the given credentials.
var ErrUnauthorized = errors.New("unauthorized")

// failureDelay throttles brute-force attempts against the private socket.
// Fixed, not timing-dependent on which mechanism or field failed.
const failureDelay = 250 * time.Millisecond

// cookieFileName is the default basename of the generated cookie file.
const cookieFileName = ".cookie"

// RPCAuthEntry is one parsed "name:salt$hexhmac" credential line.
type RPCAuthEntry struct {
	Name string
	Salt string
	Hash string
}

// ParseRPCAuthEntry parses one rpcauth config line in "name:salt$hash"
// form, as produced by the genauth CLI subcommand.
func ParseRPCAuthEntry(line string) (RPCAuthEntry, error) {
	colon := strings.IndexByte(line, ':')
	dollar := strings.IndexByte(line, '$')
	if colon < 0 || dollar < 0 || dollar < colon {
		return RPCAuthEntry{}, fmt.Errorf("malformed rpcauth entry %q", line)
	}
	return RPCAuthEntry{
		Name: line[:colon],
		Salt: line[colon+1 : dollar],
		Hash: line[dollar+1:],
	}, nil
}

// HashPassword computes the hex HMAC-SHA256 of password keyed by salt, the
// same construction genauth writes into an rpcauth config line.
func HashPassword(salt, password string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(password))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authorizer checks Basic-auth credentials from the private socket against
// the cookie file, a single user:pass, and any rpcauth entries.
type Authorizer struct {
	cookiePass string // "user:pass" read back from the cookie file, if enabled
	staticPass string // "user:pass" for the single configured credential
	rpcAuth    []RPCAuthEntry
	log        *slog.Logger
}

// New builds an Authorizer. cookieUser:cookiePass and user:pass may each be
// empty to disable that mechanism.
func New(cookieUser, cookiePass, user, pass string, rpcAuth []RPCAuthEntry, log *slog.Logger) *Authorizer {
	if log == nil {
		log = slog.Default()
	}
	a := &Authorizer{rpcAuth: rpcAuth, log: log}
	if cookieUser != "" || cookiePass != "" {
		a.cookiePass = cookieUser + ":" + cookiePass
	}
	if user != "" || pass != "" {
		a.staticPass = user + ":" + pass
	}
	return a
}

// GenerateCookie writes a random cookie file at <dataDir>/<name> (name
// defaults to ".cookie") with a freshly generated user:pass pair, mode
// 0600, and returns the Authorizer configured to accept it. Overwrites
// any existing cookie file, matching the original's "generate fresh
// cookie every startup" behavior.
func GenerateCookie(dataDir, name string, log *slog.Logger) (*Authorizer, string, error) {
	if name == "" {
		name = cookieFileName
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, "", fmt.Errorf("create data dir: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate cookie: %w", err)
	}
	pass := hex.EncodeToString(raw)
	const user = "__cookie__"
	line := user + ":" + pass

	path := filepath.Join(dataDir, name)
	if err := os.WriteFile(path, []byte(line), 0600); err != nil {
		return nil, "", fmt.Errorf("write cookie file %s: %w", path, err)
	}

	return New(user, pass, "", "", nil, log), path, nil
}

// Check validates a decoded "user:pass" string (the payload of a Basic
// Authorization header, already base64-decoded) against every configured
// mechanism. It always sleeps failureDelay before returning ErrUnauthorized,
// regardless of which mechanism or field caused the failure, to throttle
// brute-force attempts the same way against every caller.
func (a *Authorizer) Check(userPass string) error {
	if a.authorized(userPass) {
		return nil
	}
	time.Sleep(failureDelay)
	return ErrUnauthorized
}

func (a *Authorizer) authorized(userPass string) bool {
	if a.cookiePass != "" && constantTimeEqual(userPass, a.cookiePass) {
		return true
	}
	if a.staticPass != "" && constantTimeEqual(userPass, a.staticPass) {
		return true
	}
	return a.multiUserAuthorized(userPass)
}

func (a *Authorizer) multiUserAuthorized(userPass string) bool {
	idx := strings.IndexByte(userPass, ':')
	if idx < 0 {
		return false
	}
	user, pass := userPass[:idx], userPass[idx+1:]

	for _, entry := range a.rpcAuth {
		if !constantTimeEqual(entry.Name, user) {
			continue
		}
		if constantTimeEqual(HashPassword(entry.Salt, pass), entry.Hash) {
			return true
		}
	}
	return false
}

// constantTimeEqual reports whether a and b are equal without leaking
// timing information proportional to the position of the first
// mismatched byte. Differing lengths compare as unequal, in time that
// depends only on len(a).
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a constant-time compare against a same-length buffer
		// so the length mismatch itself doesn't short-circuit instantly.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
