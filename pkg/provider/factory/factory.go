// Package factory builds provider adapters from a provider.Config.
package factory

import (
	"context"

	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/b2"
	"github.com/3leaps/nimbusgate/pkg/provider/file"
	"github.com/3leaps/nimbusgate/pkg/provider/gcs"
	"github.com/3leaps/nimbusgate/pkg/provider/s3"
)

// Constructor builds one adapter from a credential map.
type Constructor func(ctx context.Context, creds map[string]string) (provider.Provider, error)

// Factory maps provider types to constructors. The zero value is not usable;
// use New or Default.
type Factory struct {
	constructors map[provider.ProviderType]Constructor
}

// New returns a factory over the given table.
func New(table map[provider.ProviderType]Constructor) *Factory {
	constructors := make(map[provider.ProviderType]Constructor, len(table))
	for t, c := range table {
		constructors[t] = c
	}
	return &Factory{constructors: constructors}
}

// Default returns the factory for every supported vendor.
func Default() *Factory {
	table := map[provider.ProviderType]Constructor{
		provider.ProviderBackblaze: func(ctx context.Context, creds map[string]string) (provider.Provider, error) {
			return orNil(b2.NewFromCredentials(ctx, creds))
		},
		provider.ProviderGCS: func(ctx context.Context, creds map[string]string) (provider.Provider, error) {
			return orNil(gcs.NewFromCredentials(ctx, creds))
		},
		provider.ProviderLocal: func(_ context.Context, creds map[string]string) (provider.Provider, error) {
			return orNil(file.New(file.Config{BaseDir: creds[provider.FieldBaseDir]}))
		},
	}
	for _, vendor := range s3.Vendors() {
		table[vendor] = func(ctx context.Context, creds map[string]string) (provider.Provider, error) {
			return orNil(s3.NewFromCredentials(ctx, vendor, creds))
		}
	}
	return New(table)
}

// Build validates cfg and constructs its adapter. Unknown types and missing
// fields fail before any network call; constructor errors pass through.
func (f *Factory) Build(ctx context.Context, cfg provider.Config) (provider.Provider, error) {
	construct, ok := f.constructors[cfg.Type]
	if !ok {
		return nil, &provider.ProviderError{Op: "Build", Provider: cfg.Type, Err: provider.ErrUnsupportedProvider}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return construct(ctx, cfg.Credentials)
}

// Supports reports whether t has a constructor.
func (f *Factory) Supports(t provider.ProviderType) bool {
	_, ok := f.constructors[t]
	return ok
}

// Build constructs cfg with the default factory.
func Build(ctx context.Context, cfg provider.Config) (provider.Provider, error) {
	return Default().Build(ctx, cfg)
}

// orNil keeps a failed constructor from yielding a non-nil interface holding
// a nil pointer.
func orNil[P provider.Provider](p P, err error) (provider.Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}
