package secrets

import (
	"fmt"
	"sort"
	"strings"

	"github.com/onnwee/lessonsync/internal/config"
)

// ValidationError represents a validation failure for required secrets.
type ValidationError struct {
	Empty []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("empty values for required environment variables: %s", strings.Join(e.Empty, ", "))
}

// Required lists the secrets the loaded configuration depends on, keyed by
// environment variable. Postgres storage needs DATABASE_URL and profiling
// is only served behind ADMIN_API_TOKEN.
func Required(cfg *config.Config) map[string]string {
	req := map[string]string{}
	if cfg.StorageDriver == "postgres" {
		req["DATABASE_URL"] = cfg.DatabaseURL
	}
	if cfg.EnableProfiling {
		req["ADMIN_API_TOKEN"] = cfg.AdminAPIToken
	}
	return req
}

// ValidateRequired checks that all required secrets are non-empty.
// Returns a ValidationError naming the empty ones in sorted order, nil otherwise.
func ValidateRequired(secrets map[string]string) error {
	var empty []string
	for key, value := range secrets {
		if strings.TrimSpace(value) == "" {
			empty = append(empty, key)
		}
	}
	if len(empty) == 0 {
		return nil
	}
	sort.Strings(empty)
	return &ValidationError{Empty: empty}
}
