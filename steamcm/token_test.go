package steamcm

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

// makeToken assembles an unsigned JWT; ParseToken never verifies
// signatures, so a placeholder signature part is enough.
func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".c2ln"
}

func TestParseTokenRenewable(t *testing.T) {
	token := makeToken(t, map[string]any{
		"sub": "76561198012345678",
		"exp": 1900000000,
		"aud": []string{"client", "renew", "derive"},
	})

	info, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if info.SteamID != 76561198012345678 {
		t.Errorf("steam id: got %d, want 76561198012345678", info.SteamID)
	}
	if info.Expires != 1900000000 {
		t.Errorf("expires: got %d, want 1900000000", info.Expires)
	}
	if !info.Renewable {
		t.Error("expected renewable token")
	}
}

func TestParseTokenNonRenewable(t *testing.T) {
	token := makeToken(t, map[string]any{
		"sub": "76561198000000001",
		"exp": 1900000000,
		"aud": []string{"web"},
	})

	info, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if info.Renewable {
		t.Error("expected non-renewable token")
	}
}

func TestParseTokenErrors(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
	}{
		{"non-numeric subject", map[string]any{"sub": "gaben", "exp": 1900000000}},
		{"missing expiry", map[string]any{"sub": "76561198000000001"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(makeToken(t, tt.claims)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := ParseToken("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}
