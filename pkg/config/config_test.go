package config

import (
	"testing"
	"time"
)

func TestGetDefaults(t *testing.T) {
	if got := Get("RISKGATE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("Get = %q", got)
	}
	if got := GetInt("RISKGATE_TEST_UNSET", 42); got != 42 {
		t.Fatalf("GetInt = %d", got)
	}
	if got := GetBool("RISKGATE_TEST_UNSET", true); !got {
		t.Fatalf("GetBool = %v", got)
	}
}

func TestGetOverrides(t *testing.T) {
	t.Setenv("RISKGATE_TEST_STR", "value")
	t.Setenv("RISKGATE_TEST_INT", "7")
	t.Setenv("RISKGATE_TEST_FLOAT", "0.25")
	t.Setenv("RISKGATE_TEST_BOOL", "true")

	if got := Get("RISKGATE_TEST_STR", "x"); got != "value" {
		t.Fatalf("Get = %q", got)
	}
	if got := GetInt("RISKGATE_TEST_INT", 0); got != 7 {
		t.Fatalf("GetInt = %d", got)
	}
	if got := GetFloat("RISKGATE_TEST_FLOAT", 0); got != 0.25 {
		t.Fatalf("GetFloat = %v", got)
	}
	if !GetBool("RISKGATE_TEST_BOOL", false) {
		t.Fatalf("GetBool = false")
	}
}

func TestGetDurationFormats(t *testing.T) {
	t.Setenv("RISKGATE_TEST_DUR", "90s")
	if got := GetDuration("RISKGATE_TEST_DUR", 0); got != 90*time.Second {
		t.Fatalf("duration syntax = %v", got)
	}
	t.Setenv("RISKGATE_TEST_DUR", "1500")
	if got := GetDuration("RISKGATE_TEST_DUR", 0); got != 1500*time.Millisecond {
		t.Fatalf("millisecond count = %v", got)
	}
	t.Setenv("RISKGATE_TEST_DUR", "not-a-duration")
	if got := GetDuration("RISKGATE_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("invalid value fallback = %v", got)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("RISKGATE_TEST_INT", "NaN")
	if got := GetInt("RISKGATE_TEST_INT", 9); got != 9 {
		t.Fatalf("GetInt fallback = %d", got)
	}
	t.Setenv("RISKGATE_TEST_BOOL", "sometimes")
	if got := GetBool("RISKGATE_TEST_BOOL", true); !got {
		t.Fatalf("GetBool fallback = %v", got)
	}
}
