package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestMintSessionToken(t *testing.T) {
	now := time.Now()
	secret := "0123456789abcdef"

	signed, err := mintSessionToken(secret, "sid-1", "acc-1", " Rescue@NGO.org ", time.Hour, now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims["purpose"] != "ngo_session" || claims["sid"] != "sid-1" || claims["sub"] != "acc-1" {
		t.Fatalf("unexpected claims %v", claims)
	}
	if claims["email"] != "rescue@ngo.org" {
		t.Fatalf("expected normalized email, got %v", claims["email"])
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp.Unix() != now.Add(time.Hour).Unix() {
		t.Fatalf("unexpected expiry %v: %v", exp, err)
	}
}

func TestMintSessionToken_RejectsBadInput(t *testing.T) {
	tests := map[string]func() error{
		"short secret": func() error {
			_, err := mintSessionToken("short", "s", "a", "e@x.org", time.Hour, time.Now())
			return err
		},
		"missing sid": func() error {
			_, err := mintSessionToken("0123456789abcdef", "", "a", "e@x.org", time.Hour, time.Now())
			return err
		},
		"zero ttl": func() error {
			_, err := mintSessionToken("0123456789abcdef", "s", "a", "e@x.org", 0, time.Now())
			return err
		},
	}
	for name, run := range tests {
		if run() == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
