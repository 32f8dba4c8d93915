package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/power-ledger/billing"
)

// ErrNoIdentity means the request carried no usable household claim.
var ErrNoIdentity = errors.New("api: no identity")

const (
	// DeviceHeader identifies an anonymous device.
	DeviceHeader = "X-Device-ID"

	// AnonymousScope is used when neither a token nor a device id is sent.
	AnonymousScope billing.Scope = "anonymous"
)

// Claims are the JWT claims this service reads.
type Claims struct {
	HouseholdID string `json:"household_id"`
	jwt.RegisteredClaims
}

type ctxKey int

const (
	householdKey ctxKey = iota
	deviceKey
)

// JWTIdentity resolves the household from a bearer token (HS256, claim
// household_id). With an empty secret every request is anonymous.
type JWTIdentity struct {
	secret []byte
	now    func() time.Time
}

func NewJWTIdentity(secret string) *JWTIdentity {
	return &JWTIdentity{secret: []byte(secret), now: time.Now}
}

// Middleware stores the caller's household and device id in the request
// context. A token that is present but invalid is rejected with 401.
func (j *JWTIdentity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if device := strings.TrimSpace(r.Header.Get(DeviceHeader)); device != "" {
			ctx = context.WithValue(ctx, deviceKey, device)
		}

		if token, ok := bearerToken(r); ok && len(j.secret) > 0 {
			claims, err := j.Parse(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			ctx = context.WithValue(ctx, householdKey, billing.Scope(claims.HouseholdID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Parse validates an HS256 token and returns its claims.
func (j *JWTIdentity) Parse(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: invalid signing method")
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if strings.TrimSpace(claims.HouseholdID) == "" {
		return nil, errors.New("auth: missing household_id")
	}
	return claims, nil
}

// Sign issues a token for household. Used by tests and tooling.
func (j *JWTIdentity) Sign(household string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := Claims{
		HouseholdID: household,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   household,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// CurrentIdentity implements billing.Identity.
func (j *JWTIdentity) CurrentIdentity(ctx context.Context) (billing.Scope, error) {
	if scope, ok := ctx.Value(householdKey).(billing.Scope); ok && scope != "" {
		return scope, nil
	}
	return "", ErrNoIdentity
}

// ScopeFor returns the household of the request: the identity's scope, else
// "anon_<device id>", else AnonymousScope.
func ScopeFor(ctx context.Context, id billing.Identity) billing.Scope {
	if id != nil {
		if scope, err := id.CurrentIdentity(ctx); err == nil && scope != "" {
			return scope
		}
	}
	if device, ok := ctx.Value(deviceKey).(string); ok && device != "" {
		return billing.Scope("anon_" + device)
	}
	return AnonymousScope
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
