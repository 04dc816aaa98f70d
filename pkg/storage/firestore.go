package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/forecaster/pkg/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Backend using Google Cloud Firestore. Each
// kind is a collection and each document stores its payload as a JSON string
// for portability.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

var _ Backend = (*FirestoreProvider)(nil)

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// an empty project ID is detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) GetDocument(ctx context.Context, kind, name string) ([]byte, error) {
	doc, err := f.client.Collection(kind).Doc(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch %s/%s doc: %w", kind, name, err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("kind", kind), slog.String("name", name))
		return nil, fmt.Errorf("%w: %s/%s missing 'json' field: %w", ErrCacheCorrupt, kind, name, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("kind", kind), slog.String("name", name))
		return nil, fmt.Errorf("%w: %s/%s 'json' field is not a string", ErrCacheCorrupt, kind, name)
	}
	return []byte(jsonStr), nil
}

func (f *FirestoreProvider) SetDocument(ctx context.Context, kind, name string, data []byte, version int) error {
	_, err := f.client.Collection(kind).Doc(name).Set(ctx, map[string]interface{}{
		"json":       string(data),
		"version":    version,
		"updated_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", kind, name, err)
	}
	return nil
}

func (f *FirestoreProvider) DeleteDocuments(ctx context.Context, kind string) error {
	iter := f.client.Collection(kind).Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("error iterating %s: %w", kind, err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", kind, doc.Ref.ID, err)
		}
	}
	return nil
}
