package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/retcon-sync/retcon/internal/model"
)

// validPolicies are the merge policy names the server recognizes (spec
// §4.2).
var validPolicies = map[string]bool{
	"ignoreConflicts": true,
	"trustSource":     true,
	"reject":          true,
}

// Validate checks all configuration values and returns all errors found,
// accumulated rather than stopping at the first, wrapped under
// ErrConfigError so callers can classify it via errors.Is.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateEntities(cfg.Entities)...)
	errs = append(errs, validateWorkers(&cfg.Workers)...)

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", model.ErrConfigError, errors.Join(errs...))
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.Address == "" {
		errs = append(errs, errors.New("server.address: must not be empty"))
	}

	if s.EnableWatch && s.WatchAddress == "" {
		errs = append(errs, errors.New("server.watch_address: required when server.enable_watch is true"))
	}

	return errs
}

func validateStore(s *StoreConfig) []error {
	if s.DSN == "" {
		return []error{errors.New("store.dsn: must not be empty")}
	}

	return nil
}

func validateEntities(entities []EntityConfig) []error {
	var errs []error

	if len(entities) == 0 {
		errs = append(errs, errors.New("entities: at least one entity must be configured"))
	}

	seen := make(map[string]bool, len(entities))

	for _, e := range entities {
		if e.Name == "" {
			errs = append(errs, errors.New("entities: name must not be empty"))
			continue
		}

		if seen[e.Name] {
			errs = append(errs, fmt.Errorf("entities.%s: duplicate entity name", e.Name))
		}

		seen[e.Name] = true

		errs = append(errs, validateEntity(e)...)
	}

	return errs
}

func validateEntity(e EntityConfig) []error {
	var errs []error

	policy := e.Policy
	if policy == "" {
		policy = defaultPolicy
	}

	if !validPolicies[policy] {
		errs = append(errs, fmt.Errorf("entities.%s.policy: unknown policy %q", e.Name, policy))
	}

	if policy == "trustSource" && e.PolicyTrustedSource == "" {
		errs = append(errs, fmt.Errorf("entities.%s.policy_trusted_source: required when policy is trustSource", e.Name))
	}

	if policy == "reject" && len(e.PolicyRejectedPrefixes) == 0 {
		errs = append(errs, fmt.Errorf("entities.%s.policy_rejected_prefixes: required when policy is reject", e.Name))
	}

	if len(e.Sources) == 0 {
		errs = append(errs, fmt.Errorf("entities.%s.sources: at least one source required", e.Name))
	}

	seenSources := make(map[string]bool, len(e.Sources))

	for _, s := range e.Sources {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("entities.%s.sources: name must not be empty", e.Name))
			continue
		}

		if seenSources[s.Name] {
			errs = append(errs, fmt.Errorf("entities.%s.sources.%s: duplicate source name", e.Name, s.Name))
		}

		seenSources[s.Name] = true

		if s.Driver == "" {
			errs = append(errs, fmt.Errorf("entities.%s.sources.%s.driver: must not be empty", e.Name, s.Name))
		}
	}

	return errs
}

func validateWorkers(w *WorkersConfig) []error {
	var errs []error

	if w.Count < 1 {
		errs = append(errs, fmt.Errorf("workers.count: must be at least 1, got %d", w.Count))
	}

	if w.SourceTimeoutMS < 1 {
		errs = append(errs, errors.New("workers.source_timeout_ms: must be positive"))
	}

	if w.ReconcileTimeoutMS < 1 {
		errs = append(errs, errors.New("workers.reconcile_timeout_ms: must be positive"))
	}

	if w.RetryCap < 1 {
		errs = append(errs, errors.New("workers.retry_cap: must be at least 1"))
	}

	if w.LeaseDurationMS < 1 {
		errs = append(errs, errors.New("workers.lease_duration_ms: must be positive"))
	}

	return errs
}

// entityNames returns the configured entity names, for diagnostics.
func entityNames(entities []EntityConfig) string {
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}

	return strings.Join(names, ", ")
}
