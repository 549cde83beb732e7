package main

import (
	"testing"

	"github.com/jkaninda/tuma/internal/config"
)

func TestBuildLimiter(t *testing.T) {
	if buildLimiter(nil) != nil {
		t.Error("no rate_limit block should mean no limiter")
	}
	if buildLimiter(&config.RateLimitConfig{Enabled: false, RequestsPerMinute: 5}) != nil {
		t.Error("enabled: false should mean no limiter even with rates set")
	}
	if buildLimiter(&config.RateLimitConfig{Enabled: true}) == nil {
		t.Error("enabled: true should build a limiter with defaults")
	}
}
