package credentials

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateSecret(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		s, err := GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret: %v", err)
		}
		if s == "" {
			t.Fatal("generated secret is empty")
		}
		if seen[s] {
			t.Fatalf("duplicate secret generated: %q", s)
		}
		seen[s] = true
		// URL-safe alphabet, no padding: safe on command lines and in headers.
		if strings.ContainsAny(s, "+/=") {
			t.Errorf("secret contains non-URL-safe characters: %q", s)
		}
	}
}

func TestDeriveAdminKey(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name   string
		secret string
	}

	tests := map[string]testCase{
		"simple":              {name: "inst-1", secret: "s3cret"},
		"empty secret":        {name: "inst-1", secret: ""},
		"name with separator": {name: "a|b", secret: "s"},
	}

	for tn, tc := range tests {
		t.Run(tn, func(t *testing.T) {
			t.Parallel()

			key := DeriveAdminKey(tc.name, tc.secret)
			if !strings.HasPrefix(key, tc.name+"|") {
				t.Errorf("key %q does not start with %q", key, tc.name+"|")
			}
			// Deterministic: same inputs, same key.
			if again := DeriveAdminKey(tc.name, tc.secret); again != key {
				t.Errorf("derivation not deterministic: %q vs %q", key, again)
			}
		})
	}

	t.Run("distinct inputs produce distinct keys", func(t *testing.T) {
		t.Parallel()

		base := DeriveAdminKey("inst-1", "secret")
		if DeriveAdminKey("inst-2", "secret") == base {
			t.Error("different names produced identical keys")
		}
		if DeriveAdminKey("inst-1", "other") == base {
			t.Error("different secrets produced identical keys")
		}
	})
}

func TestEnsurePair(t *testing.T) {
	t.Parallel()

	t.Run("supplied pair is returned verbatim", func(t *testing.T) {
		t.Parallel()

		pair, err := EnsurePair("inst-1", "my-secret", "my-key", nil)
		if err != nil {
			t.Fatalf("EnsurePair: %v", err)
		}
		if pair.Secret != "my-secret" || pair.AdminKey != "my-key" {
			t.Errorf("pair = %+v, want supplied values unchanged", pair)
		}
	})

	t.Run("only secret supplied is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := EnsurePair("inst-1", "my-secret", "", nil)
		if !errors.Is(err, ErrPartialCredentials) {
			t.Fatalf("error = %v, want ErrPartialCredentials", err)
		}
	})

	t.Run("only admin key supplied is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := EnsurePair("inst-1", "", "my-key", nil)
		if !errors.Is(err, ErrPartialCredentials) {
			t.Fatalf("error = %v, want ErrPartialCredentials", err)
		}
	})

	t.Run("generates consistent pair", func(t *testing.T) {
		t.Parallel()

		pair, err := EnsurePair("inst-1", "", "", nil)
		if err != nil {
			t.Fatalf("EnsurePair: %v", err)
		}
		if pair.Secret == "" {
			t.Fatal("expected generated secret")
		}
		if want := DeriveAdminKey("inst-1", pair.Secret); pair.AdminKey != want {
			t.Errorf("AdminKey = %q, want %q", pair.AdminKey, want)
		}
	})

	t.Run("custom deriver is used", func(t *testing.T) {
		t.Parallel()

		derive := func(name, secret string) string { return name + ":" + secret }
		pair, err := EnsurePair("inst-1", "", "", derive)
		if err != nil {
			t.Fatalf("EnsurePair: %v", err)
		}
		if want := "inst-1:" + pair.Secret; pair.AdminKey != want {
			t.Errorf("AdminKey = %q, want %q", pair.AdminKey, want)
		}
	})

	t.Run("repeated generation yields distinct secrets", func(t *testing.T) {
		t.Parallel()

		a, err := EnsurePair("inst-a", "", "", nil)
		if err != nil {
			t.Fatalf("EnsurePair: %v", err)
		}
		b, err := EnsurePair("inst-b", "", "", nil)
		if err != nil {
			t.Fatalf("EnsurePair: %v", err)
		}
		if a.Secret == b.Secret {
			t.Error("two generations produced identical secrets")
		}
	})
}
