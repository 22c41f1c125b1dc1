package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker"
)

// ParseBreakerEnv scans env (KEY=VALUE pairs, as from os.Environ()) for
// CB_<DEP>_<SETTING> keys and builds a per-dependency circuitbreaker.Config
// override map. <DEP> is an open-ended key-space Viper can't enumerate, so
// this is hand-rolled rather than bound through the Viper tree.
//
// Recognised settings: FAILURE_THRESHOLD, SUCCESS_THRESHOLD,
// RECOVERY_TIMEOUT_MS, TIMEOUT_MS (request timeout), MAX_CONCURRENT.
func ParseBreakerEnv(env []string) map[string]circuitbreaker.Config {
	overrides := map[string]circuitbreaker.Config{}

	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "CB_") {
			continue
		}
		rest := strings.TrimPrefix(key, "CB_")

		dep, setting, ok := cutLastSegment(rest)
		if !ok {
			continue
		}
		dep = strings.ToLower(dep)

		cfg, exists := overrides[dep]
		if !exists {
			cfg = circuitbreaker.DefaultConfig()
		}

		n, numErr := strconv.Atoi(value)
		switch setting {
		case "FAILURE_THRESHOLD":
			if numErr == nil {
				cfg.FailureThreshold = uint32(n)
			}
		case "SUCCESS_THRESHOLD":
			if numErr == nil {
				cfg.SuccessThreshold = uint32(n)
			}
		case "RECOVERY_TIMEOUT_MS":
			if numErr == nil {
				cfg.RecoveryTimeout = time.Duration(n) * time.Millisecond
			}
		case "TIMEOUT_MS":
			if numErr == nil {
				cfg.RequestTimeout = time.Duration(n) * time.Millisecond
			}
		case "MAX_CONCURRENT":
			if numErr == nil {
				cfg.MaxConcurrent = uint32(n)
			}
		default:
			continue
		}
		overrides[dep] = cfg
	}

	return overrides
}

// cutLastSegment splits CB_<DEP>_<SETTING> (with the CB_ prefix already
// removed) at the last underscore-delimited recognised setting name. Since
// <DEP> itself may contain underscores (e.g. "storage_service"), this scans
// from the known setting suffixes rather than guessing a fixed field count.
func cutLastSegment(rest string) (dep, setting string, ok bool) {
	for _, suffix := range []string{
		"FAILURE_THRESHOLD",
		"SUCCESS_THRESHOLD",
		"RECOVERY_TIMEOUT_MS",
		"TIMEOUT_MS",
		"MAX_CONCURRENT",
	} {
		if strings.HasSuffix(rest, "_"+suffix) {
			dep = strings.TrimSuffix(rest, "_"+suffix)
			if dep == "" {
				return "", "", false
			}
			return dep, suffix, true
		}
	}
	return "", "", false
}

func environ() []string { return os.Environ() }
