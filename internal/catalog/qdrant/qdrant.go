package qdrant

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hoytak/lazyrunner/internal/catalog"
)

// Reserved payload fields; everything else is entry metadata.
const (
	fieldModule = "module"
	fieldKey    = "key"
	fieldRun    = "run_id"
)

// QdrantRepository implements catalog.Repository using Qdrant.
type QdrantRepository struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewQdrant creates a Qdrant-backed repository.
func NewQdrant(ctx context.Context, host string, port int, collection string) (*QdrantRepository, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &QdrantRepository{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// EnsureCollection creates the collection with cosine distance if it does
// not exist yet.
func (r *QdrantRepository) EnsureCollection(ctx context.Context, dimensions int) error {
	resp, err := r.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: r.collection})
	if err != nil {
		return fmt.Errorf("qdrant collection check: %w", err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}
	_, err = r.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
			Size:     uint64(dimensions),
			Distance: pb.Distance_Cosine,
		}}},
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection %s: %w", r.collection, err)
	}
	return nil
}

func str(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func toPoint(e catalog.Entry) *pb.PointStruct {
	payload := map[string]*pb.Value{
		fieldModule: str(e.Module),
		fieldKey:    str(e.Key),
		fieldRun:    str(e.RunID),
	}
	for k, v := range e.Metadata {
		if _, reserved := payload[k]; !reserved {
			payload[k] = str(v)
		}
	}
	return &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: e.ID}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Vector}}},
		Payload: payload,
	}
}

func moduleFilter(module string) *pb.Filter {
	if module == "" {
		return nil
	}
	return &pb.Filter{Must: []*pb.Condition{{
		ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
			Key:   fieldModule,
			Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: module}},
		}},
	}}}
}

func toMatch(pt *pb.ScoredPoint) catalog.Match {
	m := catalog.Match{
		ID:       pt.GetId().GetUuid(),
		Score:    pt.GetScore(),
		Metadata: make(map[string]string),
	}
	for k, v := range pt.GetPayload() {
		switch k {
		case fieldModule:
			m.Module = v.GetStringValue()
		case fieldKey:
			m.Key = v.GetStringValue()
		case fieldRun:
			m.RunID = v.GetStringValue()
		default:
			m.Metadata[k] = v.GetStringValue()
		}
	}
	return m
}

func (r *QdrantRepository) Upsert(ctx context.Context, entries []catalog.Entry) error {
	points := make([]*pb.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = toPoint(e)
	}
	_, err := r.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collection,
		Points:         points,
	})
	return err
}

func (r *QdrantRepository) Search(ctx context.Context, vec []float32, topK int, module string) ([]catalog.Match, error) {
	resp, err := r.points.Search(ctx, &pb.SearchPoints{
		CollectionName: r.collection,
		Vector:         vec,
		Limit:          uint64(topK),
		Filter:         moduleFilter(module),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, err
	}
	results := make([]catalog.Match, len(resp.GetResult()))
	for i, pt := range resp.GetResult() {
		results[i] = toMatch(pt)
	}
	return results, nil
}

func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

var _ catalog.Repository = (*QdrantRepository)(nil)
