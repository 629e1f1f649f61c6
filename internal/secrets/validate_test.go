package secrets

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/onnwee/lessonsync/internal/config"
)

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name      string
		secrets   map[string]string
		wantEmpty []string
	}{
		{
			name:    "all secrets present",
			secrets: map[string]string{"DATABASE_URL": "postgres://localhost/db", "ADMIN_API_TOKEN": "token"},
		},
		{
			name:      "empty secret value",
			secrets:   map[string]string{"DATABASE_URL": "postgres://localhost/db", "ADMIN_API_TOKEN": ""},
			wantEmpty: []string{"ADMIN_API_TOKEN"},
		},
		{
			name:      "whitespace counts as empty and names are sorted",
			secrets:   map[string]string{"DATABASE_URL": "  ", "ADMIN_API_TOKEN": ""},
			wantEmpty: []string{"ADMIN_API_TOKEN", "DATABASE_URL"},
		},
		{
			name:    "empty map",
			secrets: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequired(tt.secrets)
			if tt.wantEmpty == nil {
				if err != nil {
					t.Fatalf("expected no error but got: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if !reflect.DeepEqual(ve.Empty, tt.wantEmpty) {
				t.Errorf("Empty = %v, want %v", ve.Empty, tt.wantEmpty)
			}
			for _, key := range tt.wantEmpty {
				if !strings.Contains(err.Error(), key) {
					t.Errorf("error message %q should contain %q", err.Error(), key)
				}
			}
		})
	}
}

func TestRequired(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want map[string]string
	}{
		{
			name: "sqlite without profiling",
			cfg:  config.Config{StorageDriver: "sqlite"},
			want: map[string]string{},
		},
		{
			name: "postgres needs a database url",
			cfg:  config.Config{StorageDriver: "postgres", DatabaseURL: "postgres://db"},
			want: map[string]string{"DATABASE_URL": "postgres://db"},
		},
		{
			name: "profiling needs an admin token",
			cfg:  config.Config{StorageDriver: "memory", EnableProfiling: true},
			want: map[string]string{"ADMIN_API_TOKEN": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Required(&tt.cfg); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Required() = %v, want %v", got, tt.want)
			}
		})
	}
}
