package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	pilotderrors "pilotd/internal/errors"
	"pilotd/internal/logging"
)

const (
	apiKeyBytes        = 32 // 256 bits, hex-encoded to 64 characters
	apiKeyMinHexChars  = 64
	apiKeyMinDistinct  = 10 // guards against degenerate keys like all-zeros
)

// publicPaths never require a bearer key, mirroring
// original_source/src/security.py's PUBLIC_ENDPOINTS.
var publicPaths = map[string]bool{
	"/health": true,
}

// localAddrs are exempt from the key requirement when trust_loopback is
// enabled, per original_source/src/security.py's LOCAL_IPS.
var localAddrs = map[string]bool{
	"127.0.0.1": true,
	"::1":       true,
	"localhost": true,
}

// keyStore holds the current API key behind a mutex so /auth/rotate can
// swap it out while requests are in flight.
type keyStore struct {
	mu   sync.RWMutex
	key  string
	path string
}

func newKeyStore(rootDir string) *keyStore {
	return &keyStore{path: filepath.Join(rootDir, "config", "secrets", "api_key")}
}

// load reads an existing key from disk, generating and persisting a new
// one if none exists or the stored key fails validation. Mirrors
// ensure_api_key/validate_api_key.
func (k *keyStore) load(logger logging.Logger) (string, error) {
	data, err := os.ReadFile(k.path)
	if err == nil {
		existing := strings.TrimSpace(string(data))
		if validAPIKey(existing) {
			k.mu.Lock()
			k.key = existing
			k.mu.Unlock()
			return existing, nil
		}
		logger.Warn("stored API key failed validation, regenerating")
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading api key: %w", err)
	}
	return k.rotate(logger)
}

// rotate generates a fresh key and persists it at mode 0600, replacing
// whatever was there.
func (k *keyStore) rotate(logger logging.Logger) (string, error) {
	key, err := generateAPIKey()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return "", fmt.Errorf("creating secrets dir: %w", err)
	}
	if err := os.WriteFile(k.path, []byte(key), 0o600); err != nil {
		return "", fmt.Errorf("writing api key: %w", err)
	}
	k.mu.Lock()
	k.key = key
	k.mu.Unlock()
	logger.Info("api key rotated")
	return key, nil
}

// RotateAPIKey generates and persists a fresh API key under rootDir
// without starting a Server, for `pilotd key rotate`.
func RotateAPIKey(rootDir string, logger logging.Logger) (string, error) {
	return newKeyStore(rootDir).rotate(logging.OrNop(logger))
}

func (k *keyStore) current() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key
}

func (k *keyStore) matches(candidate string) bool {
	k.mu.RLock()
	want := k.key
	k.mu.RUnlock()
	if want == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(want)) == 1
}

func generateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// validAPIKey enforces the quality bar SPEC_FULL.md §4.5 pins: at least
// 64 hex characters and at least 10 distinct hex digits, guarding
// against a degenerate on-disk key (all-zeros, truncated, etc).
func validAPIKey(key string) bool {
	if len(key) < apiKeyMinHexChars {
		return false
	}
	distinct := map[byte]bool{}
	for i := 0; i < len(key); i++ {
		c := key[i]
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return false
		}
		distinct[lowerHex(c)] = true
	}
	return len(distinct) >= apiKeyMinDistinct
}

func lowerHex(c byte) byte {
	if c >= 'A' && c <= 'F' {
		return c + ('a' - 'A')
	}
	return c
}

// authMiddleware enforces bearer-token auth per SPEC_FULL.md §4.5: public
// paths and (if trustLoopback) loopback clients pass through unchecked,
// everything else needs `Authorization: Bearer <key>` matching the
// current key in constant time.
func authMiddleware(keys *keyStore, trustLoopback bool, logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := strings.TrimRight(c.Request.URL.Path, "/")
		if path == "" {
			path = "/"
		}
		if publicPaths[path] {
			c.Next()
			return
		}
		if trustLoopback && isLoopback(c.Request) {
			c.Next()
			return
		}

		token := bearerToken(c.Request)
		if token != "" && keys.matches(token) {
			c.Next()
			return
		}

		logger.Warn("unauthorized request from %s to %s", clientIP(c.Request), path)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"status":  "error",
			"message": "unauthorized: provide Authorization: Bearer <key>",
			"kind":    pilotderrors.ErrAuth.Error(),
		})
	}
}

// bearerToken extracts the token from the Authorization header, falling
// back to a query parameter and cookie, generalized from the teacher's
// auth/middleware.go header/query/cookie chain.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if v := r.URL.Query().Get("api_key"); v != "" {
		return v
	}
	if ck, err := r.Cookie("pilotd_api_key"); err == nil {
		return ck.Value
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLoopback reports whether the request's direct TCP peer is localhost.
// Deliberately does not consult X-Forwarded-For: there is no reverse
// proxy in front of pilotd, so that header is attacker-controlled.
func isLoopback(r *http.Request) bool {
	return localAddrs[clientIP(r)]
}
