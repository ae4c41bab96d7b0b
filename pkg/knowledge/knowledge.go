// Package knowledge provides the knowledge index used for retrieval-augmented
// generation.
//
// The index is backed by chromem-go, an embedded vector database: pure Go,
// in-memory with optional file persistence, cosine similarity search. Passages
// are ingested as plain text with string metadata and retrieved by relevance
// against a query.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
)

// MetadataSourceSession marks passages ingested from a conversation.
const MetadataSourceSession = "source_session"

// ErrUnavailable is returned when the backing index cannot serve the request.
// Callers augmenting a chat turn should degrade gracefully rather than abort.
var ErrUnavailable = errors.New("knowledge index unavailable")

// Passage is one retrievable unit of knowledge.
type Passage struct {
	ID            string            `json:"id"`
	Text          string            `json:"text"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SourceSession string            `json:"source_session,omitempty"`
	Score         float32           `json:"score"`
}

// Index supports text ingestion and relevance-ranked retrieval.
type Index interface {
	// Ingest stores text with metadata and returns the passage id.
	Ingest(ctx context.Context, text string, metadata map[string]string) (string, error)

	// Retrieve returns up to topK passages ordered by descending relevance.
	// An empty index or no passage above the relevance threshold yields an
	// empty slice, not an error.
	Retrieve(ctx context.Context, query string, topK int) ([]Passage, error)
}

// Options configures the chromem-backed index.
type Options struct {
	// PersistPath enables file persistence when non-empty.
	PersistPath string

	// Compress enables gzip compression for persistence.
	Compress bool

	// Collection names the chromem collection. Default: "knowledge".
	Collection string

	// MinRelevance drops passages below this cosine similarity.
	// Default: 0.3.
	MinRelevance float32

	// Embedding computes passage and query embeddings.
	// Default: LocalEmbeddingFunc().
	Embedding chromem.EmbeddingFunc
}

// ChromemIndex implements Index on an embedded chromem-go database.
type ChromemIndex struct {
	db           *chromem.DB
	persistPath  string
	compress     bool
	minRelevance float32
	embedding    chromem.EmbeddingFunc

	mu         sync.Mutex
	collection *chromem.Collection
	colName    string
}

// NewChromemIndex creates the index, loading an existing database from the
// persist path when one is present.
func NewChromemIndex(opts Options) (*ChromemIndex, error) {
	if opts.Collection == "" {
		opts.Collection = "knowledge"
	}
	if opts.MinRelevance == 0 {
		opts.MinRelevance = 0.3
	}
	if opts.Embedding == nil {
		opts.Embedding = LocalEmbeddingFunc()
	}

	var db *chromem.DB
	if opts.PersistPath != "" {
		if err := os.MkdirAll(opts.PersistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := dbFilePath(opts.PersistPath, opts.Compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, opts.Compress)
			if err != nil {
				slog.Warn("Failed to load existing knowledge database, creating new",
					"path", dbPath,
					"error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded knowledge database", "path", dbPath)
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemIndex{
		db:           db,
		persistPath:  opts.PersistPath,
		compress:     opts.Compress,
		minRelevance: opts.MinRelevance,
		embedding:    opts.Embedding,
		colName:      opts.Collection,
	}, nil
}

func dbFilePath(persistPath string, compress bool) string {
	p := persistPath + "/knowledge.gob"
	if compress {
		p += ".gz"
	}
	return p
}

func (i *ChromemIndex) getCollection() (*chromem.Collection, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.collection != nil {
		return i.collection, nil
	}

	col, err := i.db.GetOrCreateCollection(i.colName, nil, i.embedding)
	if err != nil {
		return nil, fmt.Errorf("%w: collection %q: %v", ErrUnavailable, i.colName, err)
	}
	i.collection = col
	return col, nil
}

// Ingest stores text with metadata and returns the generated passage id.
func (i *ChromemIndex) Ingest(ctx context.Context, text string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text is required")
	}

	col, err := i.getCollection()
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	doc := chromem.Document{
		ID:       id,
		Content:  text,
		Metadata: meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := i.persist(); err != nil {
		slog.Warn("Failed to persist knowledge index after ingest", "error", err)
	}

	return id, nil
}

// Retrieve returns passages ranked by descending similarity to the query.
func (i *ChromemIndex) Retrieve(ctx context.Context, query string, topK int) ([]Passage, error) {
	if topK <= 0 {
		topK = 3
	}

	col, err := i.getCollection()
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the document count.
	count := col.Count()
	if count == 0 {
		return []Passage{}, nil
	}
	if topK > count {
		topK = count
	}

	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	passages := make([]Passage, 0, len(results))
	for _, r := range results {
		if r.Similarity < i.minRelevance {
			continue
		}
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		passages = append(passages, Passage{
			ID:            r.ID,
			Text:          r.Content,
			Metadata:      meta,
			SourceSession: meta[MetadataSourceSession],
			Score:         r.Similarity,
		})
	}

	return passages, nil
}

// Close persists the database if persistence is enabled.
func (i *ChromemIndex) Close() error {
	return i.persist()
}

func (i *ChromemIndex) persist() error {
	if i.persistPath == "" {
		return nil
	}
	dbPath := dbFilePath(i.persistPath, i.compress)
	//nolint:staticcheck // Export is deprecated but ExportToFile needs v0.8+.
	if err := i.db.Export(dbPath, i.compress, ""); err != nil {
		return fmt.Errorf("failed to persist knowledge index: %w", err)
	}
	return nil
}

// LocalEmbeddingFunc returns a deterministic bag-of-words hashing embedder.
// It needs no external service, which makes it suitable for development and
// keyless deployments; quality is far below a real embedding model.
func LocalEmbeddingFunc() chromem.EmbeddingFunc {
	const dim = 256
	return func(ctx context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			word = strings.Trim(word, ".,;:!?\"'()[]{}")
			if word == "" {
				continue
			}
			h := fnv.New32a()
			h.Write([]byte(word))
			vec[h.Sum32()%dim]++
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			// chromem requires normalized, non-zero vectors.
			vec[0] = 1
			return vec, nil
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}

var _ Index = (*ChromemIndex)(nil)
