package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/toolhive-bundle-server/internal/validators"
)

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateStorage(&c.Storage); err != nil {
		return err
	}

	if err := validateFetcher(&c.Fetcher); err != nil {
		return err
	}

	if err := validateSync(&c.Sync); err != nil {
		return err
	}

	if err := validateSignal(&c.Signal); err != nil {
		return err
	}

	subjectNames := make(map[string]bool)
	for i := range c.Subjects {
		subject := &c.Subjects[i]
		if err := c.validateSubjectConfig(subject, i); err != nil {
			return err
		}
		if subjectNames[subject.Name] {
			return fmt.Errorf("subjects[%d]: duplicate subject name '%s'", i, subject.Name)
		}
		subjectNames[subject.Name] = true
	}

	return nil
}

// validateStorage validates the storage configuration
func validateStorage(storage *StorageConfig) error {
	switch storage.Type {
	case "", StorageTypeMemory, StorageTypeFile, StorageTypeSQLite:
		return nil
	case StorageTypePostgres:
		if storage.Database == nil {
			return fmt.Errorf("storage: database configuration is required for postgres storage")
		}
		if storage.Database.Host == "" {
			return fmt.Errorf("storage: database.host is required")
		}
		if storage.Database.Database == "" {
			return fmt.Errorf("storage: database.database is required")
		}
		if err := validateOptionalDuration(storage.Database.ConnMaxLifetime, "storage: database.connMaxLifetime"); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("storage: unknown type '%s'", storage.Type)
	}
}

// validateFetcher ensures the fetcher type matches its type-specific block
func validateFetcher(fetcher *FetcherConfig) error {
	switch fetcher.Type {
	case FetcherTypeGit:
		if fetcher.Git == nil || fetcher.Git.URLTemplate == "" {
			return fmt.Errorf("fetcher: git.urlTemplate is required")
		}
		if !strings.Contains(fetcher.Git.URLTemplate, "{unit}") {
			return fmt.Errorf("fetcher: git.urlTemplate must contain the {unit} placeholder")
		}
	case FetcherTypeAPI:
		if fetcher.API != nil {
			if err := validateOptionalDuration(fetcher.API.Timeout, "fetcher: api.timeout"); err != nil {
				return err
			}
		}
	case FetcherTypeFile:
		if fetcher.File == nil || fetcher.File.Root == "" {
			return fmt.Errorf("fetcher: file.root is required")
		}
	case "":
		return fmt.Errorf("fetcher: type is required")
	default:
		return fmt.Errorf("fetcher: unknown type '%s'", fetcher.Type)
	}
	return nil
}

// validateSync validates orchestrator tuning values
func validateSync(sync *SyncConfig) error {
	if sync.MaxConcurrency < 0 {
		return fmt.Errorf("sync: maxConcurrency must not be negative")
	}

	for field, value := range map[string]string{
		"runTimeout":   sync.RunTimeout,
		"fetchTimeout": sync.FetchTimeout,
		"unitTTL":      sync.UnitTTL,
		"bundleTTL":    sync.BundleTTL,
	} {
		if err := validateOptionalDuration(value, "sync: "+field); err != nil {
			return err
		}
	}

	if sync.Retry != nil {
		if err := validateOptionalDuration(sync.Retry.InitialInterval, "sync: retry.initialInterval"); err != nil {
			return err
		}
		if err := validateOptionalDuration(sync.Retry.MaxInterval, "sync: retry.maxInterval"); err != nil {
			return err
		}
	}

	if unitTTL, bundleTTL := sync.GetUnitTTL(), sync.GetBundleTTL(); unitTTL > bundleTTL {
		return fmt.Errorf("sync: unitTTL (%s) must not exceed bundleTTL (%s)", unitTTL, bundleTTL)
	}

	return nil
}

// validateSignal validates the refresh signal configuration
func validateSignal(signal *SignalConfig) error {
	switch signal.Type {
	case "", SignalTypeLog:
		return nil
	case SignalTypeWebhook:
		if signal.Webhook == nil || signal.Webhook.URL == "" {
			return fmt.Errorf("signal: webhook.url is required")
		}
		return validateOptionalDuration(signal.Webhook.Timeout, "signal: webhook.timeout")
	case SignalTypeFile:
		if signal.File == nil || signal.File.Path == "" {
			return fmt.Errorf("signal: file.path is required")
		}
		if signal.File.Capacity < 0 {
			return fmt.Errorf("signal: file.capacity must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("signal: unknown type '%s'", signal.Type)
	}
}

// validateSubjectConfig validates a single subject entry
func (c *Config) validateSubjectConfig(subject *SubjectConfig, index int) error {
	if subject.Name == "" {
		return fmt.Errorf("subjects[%d]: name is required", index)
	}

	prefix := fmt.Sprintf("subjects[%d] (%s)", index, subject.Name)

	if _, err := validators.ValidateSubject(subject.Name); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}

	if subject.Interval != "" {
		if _, err := time.ParseDuration(subject.Interval); err != nil {
			return fmt.Errorf("%s: interval must be a valid duration (e.g., '30m', '1h'): %w", prefix, err)
		}
	}

	for _, unit := range subject.Units {
		if err := validators.ValidateUnitID(unit); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
	}

	if c.Fetcher.Type == FetcherTypeGit && len(subject.Units) == 0 {
		return fmt.Errorf("%s: units are required when using the git fetcher", prefix)
	}

	return nil
}

func validateOptionalDuration(value, field string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '30s', '1h'): %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	return nil
}
