package vault

import (
	"errors"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	inputs := []string{
		"",
		"hunter2",
		"пароль-кирилицею",
		"密碼🔐 with spaces and symbols !@#$%^&*()",
		strings.Repeat("long-", 500),
	}
	for _, plaintext := range inputs {
		blob, err := s.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal(%q): %v", plaintext, err)
		}
		if !strings.HasPrefix(blob, sealedPrefix) {
			t.Errorf("Seal output %q missing %q prefix", blob, sealedPrefix)
		}
		if plaintext != "" && strings.Contains(blob, plaintext) {
			t.Errorf("sealed blob contains plaintext %q", plaintext)
		}

		got, legacy, err := s.Open(blob)
		if err != nil {
			t.Fatalf("Open(%q): %v", blob, err)
		}
		if legacy {
			t.Error("fresh seal reported as legacy")
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestSealNondeterministic(t *testing.T) {
	s, err := NewSealer("key")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	a, _ := s.Seal("same plaintext")
	b, _ := s.Seal("same plaintext")
	if a == b {
		t.Error("two seals of the same plaintext produced identical blobs")
	}
}

func TestOpenLegacyFormats(t *testing.T) {
	s, err := NewSealer("legacy-key")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	for _, plaintext := range []string{"hunter2", "unicode-пароль", "🔑"} {
		blob := s.legacySeal(plaintext)

		got, legacy, err := s.Open(blob)
		if err != nil {
			t.Fatalf("Open legacy blob: %v", err)
		}
		if !legacy {
			t.Error("v1 blob not reported as legacy")
		}
		if got != plaintext {
			t.Errorf("legacy round trip = %q, want %q", got, plaintext)
		}

		// Oldest deployments wrote bare base64 without a version prefix.
		bare := strings.TrimPrefix(blob, legacyPrefix)
		got, legacy, err = s.Open(bare)
		if err != nil {
			t.Fatalf("Open bare legacy blob: %v", err)
		}
		if !legacy || got != plaintext {
			t.Errorf("bare legacy round trip = (%q, %v), want (%q, true)", got, legacy, plaintext)
		}
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s, err := NewSealer("key")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	blob, err := s.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Flip one character of the ciphertext.
	tampered := []byte(blob)
	i := len(tampered) - 2
	if tampered[i] == 'A' {
		tampered[i] = 'B'
	} else {
		tampered[i] = 'A'
	}
	if _, _, err := s.Open(string(tampered)); err == nil {
		t.Error("Open accepted a tampered blob")
	}
}

func TestOpenWrongKey(t *testing.T) {
	a, _ := NewSealer("key-a")
	b, _ := NewSealer("key-b")

	blob, err := a.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, _, err := b.Open(blob); err == nil {
		t.Error("Open with the wrong key succeeded")
	}
}

func TestNewSealerRequiresKey(t *testing.T) {
	if _, err := NewSealer(""); !errors.Is(err, ErrNoKey) {
		t.Errorf("NewSealer(\"\") = %v, want ErrNoKey", err)
	}
}
