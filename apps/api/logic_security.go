package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	claimSessionID   = "sid"
	claimSubject     = "sub"
	claimEmail       = "email"
	claimPurpose     = "purpose"
	claimObjectKey   = "key"
	purposeSession   = "ngo_session"
	purposeDeleteImg = "image_delete"
	ngoSessionKey    = "ngoSession"
)

func containsString(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

func buildPublicURL(baseURL, path string) string {
	if strings.HasPrefix(path, "/") {
		return strings.TrimRight(baseURL, "/") + path
	}
	return strings.TrimRight(baseURL, "/") + "/" + path
}

func anyMapToJSON(value map[string]any) []byte {
	if value == nil {
		return []byte("{}")
	}
	encoded, _ := json.Marshal(value)
	return encoded
}

func jsonToAnyMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]any{}
	}
	return decoded
}

func (a *App) signClaims(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.AppSigningSecret))
}

func (a *App) parseClaims(tokenString, purpose string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.AppSigningSecret), nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.clock))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if got, _ := claims[claimPurpose].(string); got != purpose {
		return nil, fmt.Errorf("token purpose mismatch")
	}
	return claims, nil
}

func (a *App) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *App) createSessionToken(session NGOSession) (string, error) {
	return a.signClaims(jwt.MapClaims{
		claimPurpose:   purposeSession,
		claimSessionID: session.SessionID,
		claimSubject:   session.AccountID,
		claimEmail:     session.Email,
		"iat":          a.clock().Unix(),
		"exp":          session.ExpiresAt.Unix(),
	})
}

// verifySessionToken checks the signature and expiry only; the session row
// is checked separately by requireNGOSession.
func (a *App) verifySessionToken(tokenString string) (*NGOSession, error) {
	claims, err := a.parseClaims(tokenString, purposeSession)
	if err != nil {
		return nil, err
	}
	sessionID, _ := claims[claimSessionID].(string)
	accountID, _ := claims[claimSubject].(string)
	email, _ := claims[claimEmail].(string)
	if sessionID == "" || accountID == "" || email == "" {
		return nil, fmt.Errorf("invalid session payload")
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return nil, fmt.Errorf("invalid session expiry")
	}
	return &NGOSession{
		SessionID: sessionID,
		AccountID: accountID,
		Email:     email,
		ExpiresAt: expiresAt.Time.UTC(),
	}, nil
}

func (a *App) createDeleteToken(objectKey string) (string, error) {
	return a.signClaims(jwt.MapClaims{
		claimPurpose:   purposeDeleteImg,
		claimObjectKey: objectKey,
		"iat":          a.clock().Unix(),
		"exp":          a.clock().Add(deleteTokenExpiry).Unix(),
	})
}

func (a *App) verifyDeleteToken(tokenString, objectKey string) error {
	claims, err := a.parseClaims(tokenString, purposeDeleteImg)
	if err != nil {
		return err
	}
	if key, _ := claims[claimObjectKey].(string); key == "" || key != objectKey {
		return fmt.Errorf("token does not match object")
	}
	return nil
}

func (a *App) checkRateLimit(key string, maxRequests int, window time.Duration, now time.Time) bool {
	a.rateLimiterMu.Lock()
	defer a.rateLimiterMu.Unlock()

	if a.rateBuckets == nil {
		a.rateBuckets = make(map[string]rateBucket)
	}
	bucket, ok := a.rateBuckets[key]
	if !ok || now.Sub(bucket.start) >= window {
		a.rateBuckets[key] = rateBucket{start: now, count: 1}
		return true
	}
	bucket.count++
	a.rateBuckets[key] = bucket
	return bucket.count <= maxRequests
}

func (a *App) startRateLimiterCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				a.pruneRateLimiterState(now)
			}
		}
	}()
}

// pruneRateLimiterState drops buckets older than the longest window in use.
func (a *App) pruneRateLimiterState(now time.Time) {
	maxWindow := reportRateLimitWindow
	if authRateLimitWindow > maxWindow {
		maxWindow = authRateLimitWindow
	}

	a.rateLimiterMu.Lock()
	defer a.rateLimiterMu.Unlock()
	for key, bucket := range a.rateBuckets {
		if now.Sub(bucket.start) >= maxWindow {
			delete(a.rateBuckets, key)
		}
	}
}

func sessionTokenFromRequest(c *gin.Context) string {
	if header := strings.TrimSpace(c.GetHeader("Authorization")); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token, err := c.Cookie(ngoCookieName); err == nil {
		return strings.TrimSpace(token)
	}
	return ""
}

// requireNGOSession rejects requests without a live NGO session. Browsers
// asking for HTML are redirected to the login page, everything else gets a
// JSON 401 carrying the login location.
func (a *App) requireNGOSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := a.resolveNGOSession(c)
		if err != nil {
			a.log.Info("ngo session rejected", "path", c.Request.URL.Path, "reason", err.Error())
			if c.NegotiateFormat(gin.MIMEJSON, gin.MIMEHTML) == gin.MIMEHTML {
				c.Redirect(http.StatusSeeOther, ngoLoginPath)
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     "unauthorized",
				"message":   "NGO session required",
				"login_url": ngoLoginPath,
			})
			return
		}
		c.Set(ngoSessionKey, *session)
		c.Next()
	}
}

func (a *App) resolveNGOSession(c *gin.Context) (*NGOSession, error) {
	token := sessionTokenFromRequest(c)
	if token == "" {
		return nil, fmt.Errorf("missing session token")
	}
	session, err := a.verifySessionToken(token)
	if err != nil {
		return nil, err
	}
	active, err := a.ngoSessionActive(c.Request.Context(), session.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if !active {
		return nil, fmt.Errorf("session revoked or expired")
	}
	return session, nil
}

func getNGOSession(c *gin.Context) (NGOSession, error) {
	value, ok := c.Get(ngoSessionKey)
	if !ok {
		return NGOSession{}, fmt.Errorf("missing session")
	}
	session, ok := value.(NGOSession)
	if !ok {
		return NGOSession{}, fmt.Errorf("invalid session")
	}
	return session, nil
}
