package auth

import (
	"testing"
	"time"

	"github.com/statorio/stator/pkg/core"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	hash, err := HashSecret("hunter2-hunter2")
	if err != nil {
		t.Fatalf("Failed to hash secret: %v", err)
	}
	config := DefaultConfig()
	config.Secret = "0123456789abcdef0123456789abcdef"
	config.Operators = []Operator{{Name: "ops", SecretHash: hash}}

	s, err := NewService(config, opts...)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return s
}

func TestNewService_Validation(t *testing.T) {
	hash, _ := HashSecret("x")

	cases := []struct {
		name   string
		config Config
	}{
		{"ShortSecret", Config{Secret: "short", Issuer: "stator", TokenTTL: time.Hour}},
		{"NoIssuer", Config{Secret: "0123456789abcdef", TokenTTL: time.Hour}},
		{"ZeroTTL", Config{Secret: "0123456789abcdef", Issuer: "stator"}},
		{"NamelessOperator", Config{Secret: "0123456789abcdef", Issuer: "stator", TokenTTL: time.Hour,
			Operators: []Operator{{SecretHash: hash}}}},
		{"HashlessOperator", Config{Secret: "0123456789abcdef", Issuer: "stator", TokenTTL: time.Hour,
			Operators: []Operator{{Name: "ops"}}}},
		{"DuplicateOperator", Config{Secret: "0123456789abcdef", Issuer: "stator", TokenTTL: time.Hour,
			Operators: []Operator{{Name: "ops", SecretHash: hash}, {Name: "ops", SecretHash: hash}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewService(tc.config); !core.HasCode(err, core.CodeConfig) {
				t.Errorf("Expected CONFIG_ERROR, got %v", err)
			}
		})
	}
}

func TestAuthenticate_RoundTrip(t *testing.T) {
	s := newTestService(t)

	token, err := s.Authenticate("ops", "hunter2-hunter2")
	if err != nil {
		t.Fatalf("Failed to authenticate: %v", err)
	}

	claims, err := s.VerifyToken(token)
	if err != nil {
		t.Fatalf("Failed to verify token: %v", err)
	}
	if Subject(claims) != "ops" {
		t.Errorf("Expected subject ops, got %q", Subject(claims))
	}
	if claims["iss"] != "stator" {
		t.Errorf("Expected issuer stator, got %v", claims["iss"])
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Authenticate("ops", "wrong"); !core.HasCode(err, core.CodeUnauthorized) {
		t.Errorf("Expected UNAUTHORIZED for wrong secret, got %v", err)
	}
	if _, err := s.Authenticate("ghost", "hunter2-hunter2"); !core.HasCode(err, core.CodeUnauthorized) {
		t.Errorf("Expected UNAUTHORIZED for unknown operator, got %v", err)
	}
}

func TestVerifyToken_Expiry(t *testing.T) {
	clock := testNow
	s := newTestService(t, WithClock(func() time.Time { return clock }))

	token, err := s.IssueToken("ops")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	if _, err := s.VerifyToken(token); err != nil {
		t.Fatalf("Expected fresh token to verify, got %v", err)
	}

	// Beyond TTL plus leeway the token is dead
	clock = testNow.Add(time.Hour + time.Minute)
	if _, err := s.VerifyToken(token); !core.HasCode(err, core.CodeUnauthorized) {
		t.Errorf("Expected UNAUTHORIZED for expired token, got %v", err)
	}
}

func TestVerifyToken_WrongKeyAndIssuer(t *testing.T) {
	s := newTestService(t)

	other := newTestService(t)
	other.config.Secret = "ffffffffffffffffffffffffffffffff"
	foreign, err := other.IssueToken("ops")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	if _, err := s.VerifyToken(foreign); !core.HasCode(err, core.CodeUnauthorized) {
		t.Errorf("Expected UNAUTHORIZED for foreign signature, got %v", err)
	}

	impostor := newTestService(t)
	impostor.config.Issuer = "impostor"
	wrongIssuer, err := impostor.IssueToken("ops")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	if _, err := s.VerifyToken(wrongIssuer); !core.HasCode(err, core.CodeUnauthorized) {
		t.Errorf("Expected UNAUTHORIZED for wrong issuer, got %v", err)
	}

	if _, err := s.VerifyToken("not-a-token"); !core.HasCode(err, core.CodeUnauthorized) {
		t.Errorf("Expected UNAUTHORIZED for garbage, got %v", err)
	}
}

func TestParseBearer(t *testing.T) {
	if _, err := ParseBearer(""); !core.HasCode(err, core.CodeUnauthorized) {
		t.Errorf("Expected UNAUTHORIZED for empty header, got %v", err)
	}
	if _, err := ParseBearer("Basic abc"); !core.HasCode(err, core.CodeUnauthorized) {
		t.Errorf("Expected UNAUTHORIZED for wrong scheme, got %v", err)
	}
	if _, err := ParseBearer("Bearer"); !core.HasCode(err, core.CodeUnauthorized) {
		t.Errorf("Expected UNAUTHORIZED for missing token, got %v", err)
	}

	token, err := ParseBearer("Bearer abc.def.ghi")
	if err != nil {
		t.Fatalf("Failed to parse header: %v", err)
	}
	if token != "abc.def.ghi" {
		t.Errorf("Expected token abc.def.ghi, got %q", token)
	}
}
