package router

import (
	"context"
	"fmt"
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultLabelSets is how many label set collections are kept by default.
const DefaultLabelSets = 32

// EmbeddingClassifier scores a message against label descriptions by cosine
// similarity in an in-memory chromem collection. One collection is kept per
// distinct label set, up to a fixed number of sets; the least recently used
// set is dropped from the database when the cap is reached.
type EmbeddingClassifier struct {
	db     *chromem.DB
	embed  chromem.EmbeddingFunc
	logger *zap.Logger

	collections *lru.Cache[string, *chromem.Collection]
	builds      singleflight.Group
}

// EmbeddingOption configures an EmbeddingClassifier.
type EmbeddingOption func(*embeddingOptions)

type embeddingOptions struct {
	labelSets int
}

// WithLabelSets caps the number of cached label set collections.
// Values below one select DefaultLabelSets.
func WithLabelSets(n int) EmbeddingOption {
	return func(o *embeddingOptions) { o.labelSets = n }
}

// NewEmbeddingClassifier creates a classifier that embeds text with embed.
func NewEmbeddingClassifier(embed chromem.EmbeddingFunc, logger *zap.Logger, opts ...EmbeddingOption) *EmbeddingClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := embeddingOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.labelSets < 1 {
		o.labelSets = DefaultLabelSets
	}

	c := &EmbeddingClassifier{
		db:     chromem.NewDB(),
		embed:  embed,
		logger: logger,
	}
	// lru.NewWithEvict only fails for a non-positive size.
	c.collections, _ = lru.NewWithEvict(o.labelSets, c.evicted)
	return c
}

func (c *EmbeddingClassifier) evicted(name string, _ *chromem.Collection) {
	if err := c.db.DeleteCollection(name); err != nil {
		c.logger.Warn("dropping evicted label collection", zap.String("collection", name), zap.Error(err))
		return
	}
	c.logger.Debug("label collection evicted", zap.String("collection", name))
}

// Classify implements Classifier.
func (c *EmbeddingClassifier) Classify(ctx context.Context, req ClassifyRequest) (Classification, error) {
	if len(req.Labels) == 0 {
		return Classification{}, fmt.Errorf("%w: no labels", ErrRouterUnavailable)
	}

	coll, err := c.collection(ctx, req.Labels)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrRouterUnavailable, err)
	}

	results, err := coll.Query(ctx, req.Message, 1, nil, nil)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: querying labels: %v", ErrRouterUnavailable, err)
	}
	if len(results) == 0 {
		return Classification{}, fmt.Errorf("%w: no label matched", ErrRouterUnavailable)
	}

	return Classification{Label: results[0].ID, Confidence: clamp01(float64(results[0].Similarity))}, nil
}

// collection returns the collection for labels, embedding them on first use.
// Concurrent callers with the same label set share one build, and builds for
// different sets run in parallel.
func (c *EmbeddingClassifier) collection(ctx context.Context, labels []Label) (*chromem.Collection, error) {
	name := labelSetName(labels)
	if coll, ok := c.collections.Get(name); ok {
		return coll, nil
	}

	v, err, _ := c.builds.Do(name, func() (any, error) {
		if coll, ok := c.collections.Get(name); ok {
			return coll, nil
		}
		coll, err := c.build(ctx, name, labels)
		if err != nil {
			return nil, err
		}
		c.collections.Add(name, coll)
		return coll, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*chromem.Collection), nil
}

func (c *EmbeddingClassifier) build(ctx context.Context, name string, labels []Label) (*chromem.Collection, error) {
	coll, err := c.db.GetOrCreateCollection(name, nil, c.embed)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", name, err)
	}

	docs := make([]chromem.Document, len(labels))
	for i, l := range labels {
		content := l.Description
		if content == "" {
			content = l.Name
		}
		docs[i] = chromem.Document{ID: l.Name, Content: content}
	}
	if err := coll.AddDocuments(ctx, docs, 1); err != nil {
		if delErr := c.db.DeleteCollection(name); delErr != nil {
			c.logger.Warn("dropping partial label collection", zap.String("collection", name), zap.Error(delErr))
		}
		return nil, fmt.Errorf("embedding labels: %w", err)
	}

	c.logger.Debug("label collection built", zap.String("collection", name), zap.Int("labels", len(labels)))
	return coll, nil
}

func labelSetName(labels []Label) string {
	h := fnv.New64a()
	for _, l := range labels {
		_, _ = h.Write([]byte(l.Name))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(l.Description))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("labels-%x", h.Sum64())
}
