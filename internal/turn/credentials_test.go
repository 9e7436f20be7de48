package turn

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestGenerateCredentials(t *testing.T) {
	t.Parallel()

	username, password := GenerateCredentials("gateway-secret", "peer-9f2c", DefaultCredentialLifetime)

	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		t.Fatalf("username format: got %q, want '<expiry>:<peerID>'", username)
	}
	if parts[1] != "peer-9f2c" {
		t.Errorf("peer ID: got %q, want %q", parts[1], "peer-9f2c")
	}
	if password == "" {
		t.Fatal("password is empty")
	}
}

func TestGenerateCredentials_DefaultLifetime(t *testing.T) {
	t.Parallel()

	username, _ := GenerateCredentials("secret", "peer", 0)

	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		t.Fatalf("username format: got %q", username)
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		t.Fatalf("expiry is not a number: %q", parts[0])
	}
	// Default lifetime is 24h; allow 5 seconds of slack.
	want := time.Now().Add(DefaultCredentialLifetime).Unix()
	if diff := expiry - want; diff < -5 || diff > 5 {
		t.Errorf("expiry: got %d, want ~%d", expiry, want)
	}
}

func TestValidateCredentials_RoundTrip(t *testing.T) {
	t.Parallel()

	secret := "gateway-secret"
	username, password := GenerateCredentials(secret, "peer-a", DefaultCredentialLifetime)

	if err := ValidateCredentials(secret, username, password); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
}

func TestValidateCredentials_Expired(t *testing.T) {
	t.Parallel()

	secret := "gateway-secret"
	username := "1:peer-a" // Unix timestamp 1 is far in the past.
	password := computePassword(secret, username)

	err := ValidateCredentials(secret, username, password)
	if err == nil {
		t.Fatal("expired credentials accepted")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Errorf("error should mention 'expired': %v", err)
	}
}

func TestValidateCredentials_WrongSecret(t *testing.T) {
	t.Parallel()

	username, password := GenerateCredentials("secret-A", "peer", DefaultCredentialLifetime)

	err := ValidateCredentials("secret-B", username, password)
	if err == nil {
		t.Fatal("wrong secret accepted")
	}
	if !strings.Contains(err.Error(), "invalid password") {
		t.Errorf("error should mention 'invalid password': %v", err)
	}
}

func TestValidateCredentials_MalformedUsername(t *testing.T) {
	t.Parallel()

	err := ValidateCredentials("secret", "no-colon-here", "password")
	if err == nil {
		t.Fatal("malformed username accepted")
	}
	if !strings.Contains(err.Error(), "invalid username format") {
		t.Errorf("error should mention 'invalid username format': %v", err)
	}
}

func TestValidateCredentials_BadExpiry(t *testing.T) {
	t.Parallel()

	err := ValidateCredentials("secret", "notanumber:peer", "password")
	if err == nil {
		t.Fatal("bad expiry accepted")
	}
	if !strings.Contains(err.Error(), "invalid expiry") {
		t.Errorf("error should mention 'invalid expiry': %v", err)
	}
}
