package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/copyvault/internal/crypto"
	"github.com/alanyoungcy/copyvault/internal/domain"
)

// Request headers carrying the caller's signature.
const (
	HeaderCaller    = "X-Caller-Address"
	HeaderSignature = "X-Caller-Signature"
	HeaderTimestamp = "X-Caller-Timestamp"
)

const maxSignedBody = 1 << 16

type callerKey struct{}

// WithCaller returns a context carrying the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFrom returns the authenticated caller, if the request was signed.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// Auth returns middleware that authenticates signed requests. A request
// without a caller header passes through anonymously; handlers that need a
// caller reject it. A request with a caller header must carry a valid
// signature over method, path, timestamp and body, with the timestamp
// within maxSkew of now.
//
// With a non-nil replay guard a signed request that changes state is
// accepted once: its signature is remembered for twice the skew window,
// which outlives the timestamp check. Signed reads are not tracked.
func Auth(maxSkew time.Duration, replay domain.ReplayGuard, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	replayTTL := 2 * maxSkew
	if maxSkew <= 0 {
		replayTTL = 24 * time.Hour
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawCaller := strings.TrimSpace(r.Header.Get(HeaderCaller))
			if rawCaller == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(rawCaller) {
				writeUnauthorized(w, "malformed caller address")
				return
			}
			caller := common.HexToAddress(rawCaller)

			ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
			if err != nil {
				writeUnauthorized(w, "missing or malformed timestamp")
				return
			}
			if maxSkew > 0 {
				skew := now().Sub(time.Unix(ts, 0))
				if skew < 0 {
					skew = -skew
				}
				if skew > maxSkew {
					writeUnauthorized(w, "timestamp outside allowed skew")
					return
				}
			}

			var body []byte
			if r.Body != nil {
				body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
				if err != nil {
					writeUnauthorized(w, "unreadable body")
					return
				}
				if len(body) > maxSignedBody {
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusRequestEntityTooLarge)
					w.Write([]byte(`{"error":"request body too large"}`))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
			if err := crypto.VerifyRequest(caller, sig, r.Method, r.URL.Path, ts, body); err != nil {
				writeUnauthorized(w, "invalid signature")
				return
			}
			if replay != nil && changesState(r.Method) {
				sum := sha256.Sum256([]byte(sig))
				first, err := replay.FirstUse(r.Context(), hex.EncodeToString(sum[:]), replayTTL)
				if err != nil {
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusServiceUnavailable)
					w.Write([]byte(`{"error":"replay check unavailable"}`))
					return
				}
				if !first {
					writeUnauthorized(w, "request already served")
					return
				}
			}

			if rec, ok := w.(callerRecorder); ok {
				rec.recordCaller(caller.Hex())
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func changesState(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// RequireAdmin restricts a handler to signed callers in admins. An empty
// admin list closes the handler to everyone.
func RequireAdmin(admins []common.Address, next http.HandlerFunc) http.HandlerFunc {
	allowed := make(map[common.Address]bool, len(admins))
	for _, a := range admins {
		allowed[a] = true
	}
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		if !ok {
			writeUnauthorized(w, "signed request required")
			return
		}
		if !allowed[caller] {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"caller is not an administrator"}`))
			return
		}
		next(w, r)
	}
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
