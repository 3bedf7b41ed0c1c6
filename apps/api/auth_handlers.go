package main

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\d{10}$`)

	errAccountExists = errors.New("account already exists")
)

type sessionResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	Profile   *NGOProfile `json:"profile"`
}

func normalizeRegistration(input RegistrationInput) RegistrationInput {
	return RegistrationInput{
		Email:              strings.ToLower(strings.TrimSpace(input.Email)),
		Password:           input.Password,
		Name:               strings.TrimSpace(input.Name),
		Organization:       strings.TrimSpace(input.Organization),
		RegistrationNumber: strings.TrimSpace(input.RegistrationNumber),
		Phone:              strings.TrimSpace(input.Phone),
		Address:            strings.TrimSpace(input.Address),
		Description:        strings.TrimSpace(input.Description),
	}
}

// validateRegistration runs before any account work happens.
func validateRegistration(input RegistrationInput) error {
	required := []struct {
		field string
		value string
	}{
		{"email", input.Email},
		{"password", input.Password},
		{"name", input.Name},
		{"organization", input.Organization},
		{"registration_number", input.RegistrationNumber},
		{"phone", input.Phone},
		{"address", input.Address},
		{"description", input.Description},
	}
	missing := make([]string, 0)
	for _, entry := range required {
		if strings.TrimSpace(entry.value) == "" {
			missing = append(missing, entry.field)
		}
	}
	if len(missing) > 0 {
		return &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Missing required fields: " + strings.Join(missing, ", ")}
	}
	if len(input.Password) < minPasswordLength {
		return &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Password must be at least 6 characters"}
	}
	if !emailPattern.MatchString(input.Email) {
		return &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Invalid email address"}
	}
	if !phonePattern.MatchString(input.Phone) {
		return &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Phone number must be exactly 10 digits"}
	}
	return nil
}

func (a *App) registerHandler(c *gin.Context) {
	if !a.checkRateLimit("auth:"+c.ClientIP(), authRateLimitRequests, authRateLimitWindow, a.clock()) {
		writeAPIError(c, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many attempts, try again later"})
		return
	}

	var body RegistrationInput
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Invalid payload"})
		return
	}
	input := normalizeRegistration(body)
	if err := validateRegistration(input); err != nil {
		writeAPIError(c, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	profile, err := a.registerNGO(c.Request.Context(), input, string(hash))
	if errors.Is(err, errAccountExists) {
		writeAPIError(c, &apiError{Status: http.StatusConflict, Code: "user_exists", Message: "User already exists. Please log in."})
		return
	}
	if err != nil {
		writeAPIError(c, err)
		return
	}

	response, err := a.startNGOSession(c, profile)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	a.log.Info("ngo registered", "account_id", profile.ID, "organization", profile.Organization)
	c.JSON(http.StatusCreated, response)
}

func (a *App) loginHandler(c *gin.Context) {
	if !a.checkRateLimit("auth:"+c.ClientIP(), authRateLimitRequests, authRateLimitWindow, a.clock()) {
		writeAPIError(c, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many attempts, try again later"})
		return
	}

	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Invalid payload"})
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	if email == "" || body.Password == "" {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Email and password are required"})
		return
	}

	profile, err := a.authenticateNGO(c.Request.Context(), email, body.Password)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	response, err := a.startNGOSession(c, profile)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (a *App) logoutHandler(c *gin.Context) {
	if token := sessionTokenFromRequest(c); token != "" {
		if session, err := a.verifySessionToken(token); err == nil {
			if err := a.revokeNGOSession(c.Request.Context(), session.SessionID); err != nil {
				writeAPIError(c, err)
				return
			}
		}
	}
	a.clearNGOSessionCookie(c)
	c.Status(http.StatusNoContent)
}

func (a *App) sessionHandler(c *gin.Context) {
	session, err := getNGOSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "NGO session required"})
		return
	}
	profile, err := a.getNGOProfile(c.Request.Context(), session.AccountID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if profile == nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "authentication_failed", Message: "Profile not found"})
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		Token:     sessionTokenFromRequest(c),
		ExpiresAt: session.ExpiresAt,
		Profile:   profile,
	})
}

// refreshHandler rotates the session: the presented session is revoked and a
// fresh one is issued.
func (a *App) refreshHandler(c *gin.Context) {
	session, err := getNGOSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "NGO session required"})
		return
	}
	ctx := c.Request.Context()
	profile, err := a.getNGOProfile(ctx, session.AccountID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if profile == nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "authentication_failed", Message: "Profile not found"})
		return
	}
	if err := a.revokeNGOSession(ctx, session.SessionID); err != nil {
		writeAPIError(c, err)
		return
	}
	response, err := a.startNGOSession(c, profile)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (a *App) startNGOSession(c *gin.Context, profile *NGOProfile) (sessionResponse, error) {
	expiresAt := a.clock().Add(ngoSessionDuration).UTC().Truncate(time.Second)
	sessionID, err := a.openNGOSession(c.Request.Context(), profile.ID, expiresAt)
	if err != nil {
		return sessionResponse{}, err
	}
	token, err := a.createSessionToken(NGOSession{
		SessionID: sessionID,
		AccountID: profile.ID,
		Email:     profile.Email,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return sessionResponse{}, err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(ngoCookieName, token, int(ngoSessionDuration.Seconds()), "/", "", a.isProduction(), true)
	return sessionResponse{Token: token, ExpiresAt: expiresAt, Profile: profile}, nil
}

func (a *App) clearNGOSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(ngoCookieName, "", -1, "/", "", a.isProduction(), true)
}

func (a *App) isProduction() bool {
	return a.cfg != nil && strings.EqualFold(a.cfg.Env, "production")
}

// authenticateNGOCredentials accepts only accounts that completed
// registration, i.e. have a profile row.
func (a *App) authenticateNGOCredentials(ctx context.Context, email, password string) (*NGOProfile, error) {
	invalid := &apiError{Status: http.StatusUnauthorized, Code: "authentication_failed", Message: "Invalid credentials"}

	accountID, hash, err := a.storeFindAccount(ctx, email)
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		return nil, invalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, invalid
	}

	profile, err := a.storeGetNGOProfile(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, &apiError{Status: http.StatusUnauthorized, Code: "authentication_failed", Message: "Profile not found"}
	}
	return profile, nil
}
