package support

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("IPGUARD_TEST_ENV", "value")
	if got := GetEnv("IPGUARD_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("GetEnv returned %s, want value", got)
	}

	if got := GetEnv("IPGUARD_TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv returned %s, want fallback", got)
	}
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("IPGUARD_TEST_INT", " 42 ")
	t.Setenv("IPGUARD_TEST_BAD_INT", "forty-two")
	t.Setenv("IPGUARD_TEST_BOOL", "true")
	t.Setenv("IPGUARD_TEST_DURATION", "90s")

	if got := GetEnvInt("IPGUARD_TEST_INT", 1); got != 42 {
		t.Fatalf("GetEnvInt returned %d, want 42", got)
	}
	if got := GetEnvInt("IPGUARD_TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("GetEnvInt with invalid value returned %d, want 7", got)
	}
	if !GetEnvBool("IPGUARD_TEST_BOOL", false) {
		t.Fatalf("GetEnvBool returned false, want true")
	}
	if got := GetEnvDuration("IPGUARD_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("GetEnvDuration returned %s, want 1m30s", got)
	}
}
