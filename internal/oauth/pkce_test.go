package oauth

import "testing"

func TestChallengeFromVerifierKnownVector(t *testing.T) {
	verifier := ""
	for i := 0; i < 128; i++ {
		verifier += "A"
	}
	got := ChallengeFromVerifier(verifier)
	want := "tqw8wQOGMxx2XwTwQcFH0PJ48q7Y6qAh4tAFf8b2_54"
	if got != want {
		t.Fatalf("challenge = %q, want %q", got, want)
	}
}

func TestGenerateVerifierLengthAndAlphabet(t *testing.T) {
	v, err := GenerateVerifier()
	if err != nil {
		t.Fatalf("GenerateVerifier: %v", err)
	}
	if len(v) != 128 {
		t.Fatalf("verifier length = %d, want 128", len(v))
	}
	for _, r := range v {
		if !((r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			t.Fatalf("verifier contains out-of-alphabet rune %q", r)
		}
	}
}

func TestGenerateStateNonEmptyAndVaries(t *testing.T) {
	a, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	b, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	if a == "" || b == "" {
		t.Fatal("expected non-empty state values")
	}
	if a == b {
		t.Fatal("expected two calls to GenerateState to differ")
	}
}
