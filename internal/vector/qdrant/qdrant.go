// Package qdrant implements vector.Store against a Qdrant server over gRPC.
package qdrant

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/mbellec/ragproxy/internal/vector"
)

// Client implements vector.Store using Qdrant.
type Client struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	qdrant      pb.QdrantClient
	collection  string
	vectorSize  uint64
	distance    pb.Distance
}

// Config holds the connection and collection parameters.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	VectorSize uint64
	Distance   string
}

// ParseDistance maps a configured metric name to the Qdrant enum.
func ParseDistance(name string) (pb.Distance, error) {
	switch name {
	case "Cosine":
		return pb.Distance_Cosine, nil
	case "Euclid":
		return pb.Distance_Euclid, nil
	case "Dot":
		return pb.Distance_Dot, nil
	case "Manhattan":
		return pb.Distance_Manhattan, nil
	default:
		return pb.Distance_UnknownDistance, fmt.Errorf("unknown distance metric %q", name)
	}
}

// New creates a Qdrant-backed store client.
func New(cfg Config) (*Client, error) {
	dist, err := ParseDistance(cfg.Distance)
	if err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if cfg.APIKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Client{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		qdrant:      pb.NewQdrantClient(conn),
		collection:  cfg.Collection,
		vectorSize:  cfg.VectorSize,
		distance:    dist,
	}, nil
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.qdrant.HealthCheck(ctx, &pb.HealthCheckRequest{}); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

func (c *Client) CollectionExists(ctx context.Context) (bool, error) {
	resp, err := c.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{
		CollectionName: c.collection,
	})
	if err != nil {
		return false, fmt.Errorf("qdrant collection exists: %w", err)
	}
	return resp.GetResult().GetExists(), nil
}

func (c *Client) CreateCollection(ctx context.Context) error {
	_, err := c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: c.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     c.vectorSize,
					Distance: c.distance,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	return nil
}

func (c *Client) Upsert(ctx context.Context, records []vector.Record) error {
	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Vector}}},
			Payload: map[string]*pb.Value{
				"source":      {Kind: &pb.Value_StringValue{StringValue: r.Payload.Source}},
				"chunk_index": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(r.Payload.ChunkIndex)}},
				"text":        {Kind: &pb.Value_StringValue{StringValue: r.Payload.Text}},
			},
		}
	}

	wait := true
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.collection,
		Points:         points,
		Wait:           &wait,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (c *Client) Search(ctx context.Context, vec []float32, limit int, threshold float32) ([]vector.SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: c.collection,
		Vector:         vec,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if threshold > 0 {
		req.ScoreThreshold = &threshold
	}

	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	results := make([]vector.SearchResult, len(resp.Result))
	for i, pt := range resp.Result {
		p := vector.Payload{}
		for k, v := range pt.Payload {
			switch k {
			case "source":
				p.Source = v.GetStringValue()
			case "chunk_index":
				p.ChunkIndex = int(v.GetIntegerValue())
			case "text":
				p.Text = v.GetStringValue()
			}
		}
		results[i] = vector.SearchResult{
			ID:      pt.Id.GetUuid(),
			Score:   pt.Score,
			Payload: p,
		}
	}
	return results, nil
}

func (c *Client) DeleteCollection(ctx context.Context) error {
	_, err := c.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: c.collection,
	})
	if err != nil {
		return fmt.Errorf("qdrant delete collection: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

var _ vector.Store = (*Client)(nil)
