package db

import "testing"

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origins []string
		origin  string
		allowed bool
	}{
		{name: "empty list admits all", origin: "https://a.example.com", allowed: true},
		{name: "listed origin", origins: []string{"https://a.example.com"}, origin: "https://a.example.com", allowed: true},
		{name: "case insensitive", origins: []string{"https://A.Example.com"}, origin: "https://a.example.com", allowed: true},
		{name: "foreign origin", origins: []string{"https://a.example.com"}, origin: "https://b.example.com", allowed: false},
		{name: "wildcard", origins: []string{"*"}, origin: "https://b.example.com", allowed: true},
		{name: "no origin header", origins: []string{"https://a.example.com"}, origin: "", allowed: true},
	}

	for _, tc := range tests {
		key := &APIKey{AllowedOrigins: tc.origins}
		if got := key.OriginAllowed(tc.origin); got != tc.allowed {
			t.Errorf("%s: OriginAllowed(%q) = %v", tc.name, tc.origin, got)
		}
	}
}

func TestVerifySecret(t *testing.T) {
	t.Parallel()

	key := &APIKey{SecretHash: HashSecret("sk_live_secret")}
	if !key.VerifySecret("sk_live_secret") {
		t.Error("correct secret rejected")
	}
	if key.VerifySecret("sk_live_wrong") {
		t.Error("wrong secret accepted")
	}
	if key.VerifySecret("") {
		t.Error("empty secret accepted")
	}
}
