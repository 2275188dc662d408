package gateconfig

import (
	"os"
	"strconv"
)

// applyEnv overrides baseline fields from the recognized environment
// variables when they are set. Env values sit between the file baseline
// and the overlay: the overlay still wins on merge.
func applyEnv(b *Baseline) {
	if v, ok := os.LookupEnv("JWT_SECRET"); ok {
		b.JWTSecret = v
	}
	if v, ok := lookupBool("RATE_LIMITING_ENABLED"); ok {
		b.RateLimitingEnabled = v
	}
	if v, ok := lookupBool("CHALLENGE_ENABLED"); ok {
		b.ChallengeEnabled = v
	}
	if v, ok := lookupBool("CHALLENGE_BYPASS_AUTHENTICATED"); ok {
		b.ChallengeBypassAuthenticated = v
	}
	if v, ok := lookupBool("CHALLENGE_REQUIRED_FOR_IP"); ok {
		b.ChallengeRequiredForIP = v
	}
	if raw, ok := os.LookupEnv("CHALLENGE_VERIFICATION_TTL_SECONDS"); ok {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			b.VerificationTTLSeconds = v
		}
	}
}

func lookupBool(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
