package config

import (
	"os"
	"strconv"
	"time"
)

// Settings holds the recognized configuration keys. Every field has a production-sane default and can be overridden by
// environment variable.
type Settings struct {
	LLMBuilderModel      string
	LLMPlannerModel      string
	LLMAuditorModel      string

	PauseThreshold       int           // consecutive audit failures before pausing (default 3)
	PauseTimeoutMinutes  int           // watchdog timeout for a paused build (default 30)
	PhaseTimeoutMinutes  int           // wall-clock budget per phase (default 10)

	MaxCostUSD           float64       // server-wide hard cap per build
	DefaultUserSpendCap  float64       // default per-user spend cap when none configured

	PerUserConcurrentBuilds int        // concurrent-build-per-project cap is enforced separately; this is per-user
	PerUserHourlyBuildLimit int        // rate limit on start_build (default 5/user/hour)

	GitPushMaxRetries    int           // default 3
	LargeFileWarnBytes   int64         // warn threshold for a single generated file

	ToolRunTestsTimeout  time.Duration
	ToolCheckSyntaxTimeout time.Duration
	ToolShellTimeout     time.Duration
}

// LoadSettings reads Settings from the environment, falling back to the
// defaults noted next to each key.
func LoadSettings() *Settings {
	return &Settings{
		LLMBuilderModel: getenv("LLM_BUILDER_MODEL", "claude-sonnet-4-5-20250929"),
		LLMPlannerModel: getenv("LLM_PLANNER_MODEL", "claude-sonnet-4-5-20250929"),
		LLMAuditorModel: getenv("LLM_AUDITOR_MODEL", "claude-haiku-4-5-20251001"),

		PauseThreshold:      getenvInt("PAUSE_THRESHOLD", 3),
		PauseTimeoutMinutes: getenvInt("PAUSE_TIMEOUT_MINUTES", 30),
		PhaseTimeoutMinutes: getenvInt("PHASE_TIMEOUT_MINUTES", 10),

		MaxCostUSD:          getenvFloat("MAX_COST_USD", 50.0),
		DefaultUserSpendCap: getenvFloat("DEFAULT_USER_SPEND_CAP", 5.0),

		PerUserConcurrentBuilds: getenvInt("PER_USER_CONCURRENT_BUILDS", 1),
		PerUserHourlyBuildLimit: getenvInt("PER_USER_HOURLY_BUILD_LIMIT", 5),

		GitPushMaxRetries:  getenvInt("GIT_PUSH_MAX_RETRIES", 3),
		LargeFileWarnBytes: int64(getenvInt("LARGE_FILE_WARN_BYTES", 512*1024)),

		ToolRunTestsTimeout:    time.Duration(getenvInt("TOOL_RUN_TESTS_TIMEOUT_SECONDS", 120)) * time.Second,
		ToolCheckSyntaxTimeout: time.Duration(getenvInt("TOOL_CHECK_SYNTAX_TIMEOUT_SECONDS", 30)) * time.Second,
		ToolShellTimeout:       time.Duration(getenvInt("TOOL_SHELL_TIMEOUT_SECONDS", 60)) * time.Second,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
