// Package datasource defines the capability set every mirrored external
// system implements (spec §4.4) and a registry that dispatches by
// (EntityName, SourceName), replacing the "polymorphic DataSource
// dispatch" REDESIGN FLAG (spec §9) with an explicit interface and map.
package datasource

import (
	"context"
	"errors"
	"fmt"

	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

// ErrMissing is returned by Get when the foreign key has no document on
// that source (spec §4.4, §4.6 "Missing").
var ErrMissing = errors.New("datasource: document missing")

// DataSource is the uniform capability set a mirrored external system
// implements. The reconciliation worker is the sole caller (spec §4.4);
// every call it makes is wrapped in a timeout and converted to a
// model.SourceError on failure.
type DataSource interface {
	// Init prepares the driver using its configured settings. Called once
	// at registry construction time.
	Init(ctx context.Context, settings map[string]string) error
	// Get fetches the document bound to fk, or ErrMissing if none exists.
	Get(ctx context.Context, fk idkey.ForeignKey) (*document.Document, error)
	// Set writes doc to the source. If fk is the zero value, the source
	// allocates a new foreign key and returns it; otherwise it overwrites
	// the document at the given key.
	Set(ctx context.Context, fk idkey.ForeignKey, doc *document.Document) (idkey.ForeignKey, error)
	// Delete removes the document at fk. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, fk idkey.ForeignKey) error
	// Close releases any resources held by the driver.
	Close() error
}

// Factory constructs a new, un-initialized DataSource instance for a
// driver name (e.g. "memsource", "httpsource").
type Factory func() DataSource

// Registry maps (EntityName, SourceName) to a constructed, initialized
// DataSource, and driver name to Factory.
type Registry struct {
	factories map[string]Factory
	sources   map[key]DataSource
}

type key struct {
	entity idkey.EntityName
	source idkey.SourceName
}

// NewRegistry returns an empty Registry with no driver factories; callers
// add them with RegisterFactory.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		sources:   make(map[key]DataSource),
	}
}

// RegisterFactory makes driver available for use by Configure.
func (r *Registry) RegisterFactory(driver string, f Factory) {
	r.factories[driver] = f
}

// Configure constructs and initializes a DataSource for (entity, source)
// using the named driver and settings, and adds it to the registry.
func (r *Registry) Configure(ctx context.Context, entity idkey.EntityName, source idkey.SourceName, driver string, settings map[string]string) error {
	factory, ok := r.factories[driver]
	if !ok {
		return fmt.Errorf("datasource: unknown driver %q", driver)
	}

	ds := factory()

	if err := ds.Init(ctx, settings); err != nil {
		return fmt.Errorf("datasource: initializing %s/%s (%s): %w", entity, source, driver, err)
	}

	r.sources[key{entity, source}] = ds

	return nil
}

// Lookup returns the configured DataSource for (entity, source). The
// registry refuses operations whose pair is not registered, per spec §9's
// "safety is preserved by refusing operations whose (entity, source) pair
// is not registered."
func (r *Registry) Lookup(entity idkey.EntityName, source idkey.SourceName) (DataSource, bool) {
	ds, ok := r.sources[key{entity, source}]
	return ds, ok
}

// SourcesFor returns the configured source names for entity, in
// registration order is not guaranteed — callers that need a stable
// order should consult config.EntityConfig.Sources instead.
func (r *Registry) SourcesFor(entity idkey.EntityName) []idkey.SourceName {
	var out []idkey.SourceName

	for k := range r.sources {
		if k.entity == entity {
			out = append(out, k.source)
		}
	}

	return out
}

// Close closes every configured DataSource, collecting (not stopping on)
// errors.
func (r *Registry) Close() error {
	var errs []error

	for _, ds := range r.sources {
		if err := ds.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
