package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334 by default, not the 6333 REST port).
	Port int

	APIKey string
	UseTLS bool

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int

	// RetryBackoff is the initial backoff; it doubles per retry.
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// QdrantIndex is an Index backed by Qdrant over native gRPC. One Qdrant
// collection per namespace.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig

	// namespaces caches provisioned namespaces and their dimensions.
	namespaces sync.Map

	metrics *indexMetrics
}

var _ Index = (*QdrantIndex)(nil)

// NewQdrantIndex connects to Qdrant and verifies the connection with a
// health check.
func NewQdrantIndex(config QdrantConfig) (*QdrantIndex, error) {
	config.ApplyDefaults()

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &QdrantIndex{
		client:  client,
		config:  config,
		metrics: newIndexMetrics("qdrant"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	return idx, nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

// EnsureNamespace creates the collection if it does not exist.
func (q *QdrantIndex) EnsureNamespace(ctx context.Context, namespace string, dimension int) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	if dimension < 1 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrDimensionMismatch, dimension)
	}

	if dim, ok := q.namespaces.Load(namespace); ok {
		if dim.(int) != dimension {
			return fmt.Errorf("%w: namespace %s has dimension %d, want %d",
				ErrDimensionMismatch, namespace, dim.(int), dimension)
		}
		return nil
	}

	exists, err := q.namespaceExists(ctx, namespace)
	if err != nil {
		return err
	}
	if !exists {
		err := q.retry(ctx, "create_collection", func() error {
			return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: namespace,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dimension),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			return fmt.Errorf("creating namespace %s: %w", namespace, err)
		}
	}

	q.namespaces.Store(namespace, dimension)
	return nil
}

func (q *QdrantIndex) namespaceExists(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := q.retry(ctx, "collection_info", func() error {
		info, err := q.client.GetCollectionInfo(ctx, namespace)
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				exists = false
				return nil
			}
			return err
		}
		exists = info != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking namespace %s: %w", namespace, err)
	}
	return exists, nil
}

// Upsert writes vectors as points, with seq and snippet in the payload.
func (q *QdrantIndex) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	if len(vectors) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(vectors))
	for i, v := range vectors {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(v.ID),
			Vectors: qdrant.NewVectors(v.Values...),
			Payload: map[string]*qdrant.Value{
				"id":      {Kind: &qdrant.Value_StringValue{StringValue: v.ID}},
				"seq":     {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(v.Seq)}},
				"snippet": {Kind: &qdrant.Value_StringValue{StringValue: v.Snippet}},
			},
		}
	}

	start := time.Now()
	err := q.retry(ctx, "upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: namespace,
			Points:         points,
		})
		return err
	})
	q.metrics.recordOp(ctx, "upsert", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("upserting %d points into %s: %w", len(points), namespace, err)
	}
	return nil
}

// Query searches the namespace. A missing namespace yields no matches.
func (q *QdrantIndex) Query(ctx context.Context, namespace string, vector []float32, topK int, minScore float32) ([]Match, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if topK < 1 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	var scored []*qdrant.ScoredPoint
	start := time.Now()
	err := q.retry(ctx, "query", func() error {
		query := &qdrant.QueryPoints{
			CollectionName: namespace,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
		}
		if minScore > 0 {
			query.ScoreThreshold = qdrant.PtrOf(minScore)
		}
		res, err := q.client.Query(ctx, query)
		if err != nil {
			return err
		}
		scored = res
		return nil
	})
	q.metrics.recordOp(ctx, "query", time.Since(start), err)
	if err != nil {
		// Missing namespace means no matches, not a failure.
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("querying namespace %s: %w", namespace, err)
	}

	matches := make([]Match, 0, len(scored))
	for _, point := range scored {
		m := Match{Score: point.Score}
		for key, value := range point.Payload {
			switch val := value.Kind.(type) {
			case *qdrant.Value_StringValue:
				switch key {
				case "id":
					m.ID = val.StringValue
				case "snippet":
					m.Snippet = val.StringValue
				}
			case *qdrant.Value_IntegerValue:
				if key == "seq" {
					m.Seq = int(val.IntegerValue)
				}
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// DeleteNamespace drops the collection. Absent namespaces are a no-op.
func (q *QdrantIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}

	err := q.retry(ctx, "delete_collection", func() error {
		err := q.client.DeleteCollection(ctx, namespace)
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				return nil
			}
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting namespace %s: %w", namespace, err)
	}

	q.namespaces.Delete(namespace)
	return nil
}

func (q *QdrantIndex) retry(ctx context.Context, name string, operation func() error) error {
	return retryOperation(ctx, name, q.config.MaxRetries, q.config.RetryBackoff, operation)
}
