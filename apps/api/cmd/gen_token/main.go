// gen_token mints an NGO session token for debugging. The session id must
// belong to a live ngo_sessions row or the API will reject the token.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	secret := flag.String("secret", os.Getenv("APP_SIGNING_SECRET"), "signing secret (defaults to APP_SIGNING_SECRET)")
	sessionID := flag.String("sid", "", "session id (ngo_sessions.id)")
	accountID := flag.String("sub", "", "ngo account id")
	email := flag.String("email", "", "ngo account email")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	token, err := mintSessionToken(*secret, *sessionID, *accountID, *email, *ttl, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	fmt.Println(token)
}

func mintSessionToken(secret, sessionID, accountID, email string, ttl time.Duration, now time.Time) (string, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return "", fmt.Errorf("signing secret must be at least 16 characters")
	}
	if sessionID == "" || accountID == "" || email == "" {
		return "", fmt.Errorf("sid, sub and email are required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}

	claims := jwt.MapClaims{
		"purpose": "ngo_session",
		"sid":     sessionID,
		"sub":     accountID,
		"email":   strings.ToLower(strings.TrimSpace(email)),
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(strings.TrimSpace(secret)))
}
