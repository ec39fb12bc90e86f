package ciutil

import (
	"log/slog"
	"os"

	"github.com/phrazzld/export-queue/internal/redact"
)

// Environment variables consulted by this package.
const (
	EnvCI            = "CI"
	EnvGitHubActions = "GITHUB_ACTIONS"
	EnvGitLabCI      = "GITLAB_CI"
	EnvJenkinsURL    = "JENKINS_URL"
	EnvCircleCI      = "CIRCLECI"

	// EnvTestDatabaseURL is the preferred name for the integration test
	// database; EnvDatabaseURL is accepted as a fallback.
	EnvTestDatabaseURL = "EXPORTQ_TEST_DB_URL"
	EnvDatabaseURL     = "DATABASE_URL"
)

// IsCI reports whether the process runs under a CI provider.
func IsCI() bool {
	for _, key := range []string{EnvCI, EnvGitHubActions, EnvGitLabCI, EnvJenkinsURL, EnvCircleCI} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

// TestDatabaseURL returns the configured integration test database, or an
// empty string.
func TestDatabaseURL(logger *slog.Logger) string {
	return GetEnvWithFallbacks([]string{EnvTestDatabaseURL, EnvDatabaseURL}, "", logger)
}

// GetEnvWithFallbacks returns the first non-empty variable of envVars, or
// defaultValue. Using any but the first name is logged with the value
// redacted.
func GetEnvWithFallbacks(envVars []string, defaultValue string, logger *slog.Logger) string {
	for i, key := range envVars {
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		if i > 0 && logger != nil {
			logger.Debug("using fallback environment variable",
				slog.String("used_var", key),
				slog.String("preferred_var", envVars[0]),
				slog.String("value", redact.String(val)))
		}
		return val
	}
	return defaultValue
}
