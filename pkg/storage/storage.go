package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/forecaster/pkg/common"
	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/types"
)

var (
	// ErrNotFound is returned when a document was never written.
	ErrNotFound = errors.New("document not found")

	// ErrCacheCorrupt is returned when a persisted document cannot be read.
	// Callers treat the document as absent.
	ErrCacheCorrupt = errors.New("persisted document is corrupt")
)

// Document kinds. Each kind is a collection, table partition or directory
// depending on the provider.
const (
	KindForecasts = "forecasts"
	KindUsage     = "usage"
	KindConfig    = "config"
)

const dampeningDoc = "dampening"

// Backend persists opaque JSON documents addressed by kind and name.
type Backend interface {
	// GetDocument returns the stored JSON or ErrNotFound.
	GetDocument(ctx context.Context, kind, name string) ([]byte, error)
	// SetDocument replaces the document. version is the schema version of
	// the data and is recorded alongside it where the provider supports it.
	SetDocument(ctx context.Context, kind, name string, data []byte, version int) error
	// DeleteDocuments removes every document of kind.
	DeleteDocuments(ctx context.Context, kind string) error
	Close() error
}

// Database is the typed persistence layer used by the engine.
type Database interface {
	// Forecasts
	GetForecastDocument(ctx context.Context, variant types.Variant) ([]byte, error)
	SetForecastDocument(ctx context.Context, variant types.Variant, data []byte, version int) error
	ClearForecasts(ctx context.Context) error

	// Usage
	GetUsage(ctx context.Context, apiKey string) (types.Usage, error)
	SetUsage(ctx context.Context, apiKey string, usage types.Usage) error

	// Dampening
	GetDampening(ctx context.Context) (types.DampeningConfig, error)
	SetDampening(ctx context.Context, cfg types.DampeningConfig) error

	// Lifecycle
	Close() error
}

type documentDatabase struct {
	backend Backend
}

var _ Database = (*documentDatabase)(nil)

// NewDatabase returns a Database that stores its documents in backend.
func NewDatabase(backend Backend) Database {
	return &documentDatabase{backend: backend}
}

func (d *documentDatabase) GetForecastDocument(ctx context.Context, variant types.Variant) ([]byte, error) {
	return d.backend.GetDocument(ctx, KindForecasts, string(variant))
}

func (d *documentDatabase) SetForecastDocument(ctx context.Context, variant types.Variant, data []byte, version int) error {
	if err := d.backend.SetDocument(ctx, KindForecasts, string(variant), data, version); err != nil {
		return fmt.Errorf("failed to save %s forecasts: %w", variant, err)
	}
	return nil
}

func (d *documentDatabase) ClearForecasts(ctx context.Context) error {
	if err := d.backend.DeleteDocuments(ctx, KindForecasts); err != nil {
		return fmt.Errorf("failed to clear forecasts: %w", err)
	}
	return nil
}

func (d *documentDatabase) GetUsage(ctx context.Context, apiKey string) (types.Usage, error) {
	id := common.APIKeyID(apiKey)
	data, err := d.backend.GetDocument(ctx, KindUsage, id)
	if err != nil {
		return types.Usage{}, err
	}
	var u types.Usage
	if err := json.Unmarshal(data, &u); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal usage", slog.String("key", common.RedactAPIKey(apiKey)), slog.Any("error", err))
		return types.Usage{}, fmt.Errorf("%w: usage %s: %w", ErrCacheCorrupt, id, err)
	}
	return u, nil
}

func (d *documentDatabase) SetUsage(ctx context.Context, apiKey string, usage types.Usage) error {
	b, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	if err := d.backend.SetDocument(ctx, KindUsage, common.APIKeyID(apiKey), b, 1); err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// GetDampening returns the stored dampening configuration, or the identity
// configuration if none was ever saved.
func (d *documentDatabase) GetDampening(ctx context.Context) (types.DampeningConfig, error) {
	data, err := d.backend.GetDocument(ctx, KindConfig, dampeningDoc)
	if errors.Is(err, ErrNotFound) {
		return types.DefaultDampening(), nil
	}
	if err != nil {
		return types.DampeningConfig{}, err
	}
	cfg := types.DefaultDampening()
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal dampening", slog.Any("error", err))
		return types.DampeningConfig{}, fmt.Errorf("%w: dampening: %w", ErrCacheCorrupt, err)
	}
	return cfg, nil
}

func (d *documentDatabase) SetDampening(ctx context.Context, cfg types.DampeningConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal dampening: %w", err)
	}
	if err := d.backend.SetDocument(ctx, KindConfig, dampeningDoc, b, cfg.Version); err != nil {
		return fmt.Errorf("failed to save dampening: %w", err)
	}
	return nil
}

func (d *documentDatabase) Close() error {
	return d.backend.Close()
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore, sqlite)")

	var p struct{ Database }

	fp := configuredFile()
	fs := configuredFirestore()
	sp := configuredSQLite()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := fp.Init(); err != nil {
				panic(fmt.Sprintf("file storage init failed: %v", err))
			}
			p.Database = NewDatabase(fp)
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Database = NewDatabase(fs)
		case "sqlite":
			if err := sp.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
			p.Database = NewDatabase(sp)
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
