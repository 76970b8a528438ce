package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"feelinglocal-core/internal/domain/entity"
)

// Payload fields that are not filter keys.
const (
	fieldInput      = "input"
	fieldResult     = "result"
	fieldInjections = "injections"
)

// QdrantStore is the semantic tier. One point per cache key; re-saving a key
// overwrites its point.
type QdrantStore struct {
	client         *qdrant.Client
	collectionName string
}

func NewQdrantStore(client *qdrant.Client, collectionName string) *QdrantStore {
	return &QdrantStore{
		client:         client,
		collectionName: collectionName,
	}
}

// InitCollection creates the collection when missing and indexes the filter
// and freshness fields.
func (s *QdrantStore) InitCollection(ctx context.Context, dim uint64) error {
	_, err := s.client.GetCollectionInfo(ctx, s.collectionName)
	if err != nil {
		st, ok := status.FromError(err)
		if !ok || st.Code() != codes.NotFound {
			return err
		}
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     dim,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	indexes := map[string]qdrant.FieldType{
		entity.FieldCreatedAt:  qdrant.FieldType_FieldTypeInteger,
		entity.FieldCacheKey:   qdrant.FieldType_FieldTypeKeyword,
		entity.FieldMode:       qdrant.FieldType_FieldTypeKeyword,
		entity.FieldTargetLang: qdrant.FieldType_FieldTypeKeyword,
		entity.FieldSubStyle:   qdrant.FieldType_FieldTypeKeyword,
		entity.FieldEngine:     qdrant.FieldType_FieldTypeKeyword,
	}
	for field, typ := range indexes {
		_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collectionName,
			FieldName:      field,
			FieldType:      typ.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			// Already existing indexes are reported as errors.
			zap.S().Debugw("payload index not created", "component", "cache", "field", field, "error", err)
		}
	}
	return nil
}

func semanticErr(op string, err error) error {
	return entity.NewError(entity.KindCacheUnavailable, op, "qdrant", err)
}

// Search returns the best match scoring at least threshold among points that
// equal every filter and are younger than maxAge. nil, nil on miss.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, threshold float32, filters map[string]string, maxAge time.Duration) (*entity.VectorMatch, error) {
	must := make([]*qdrant.Condition, 0, len(filters)+1)
	for key, value := range filters {
		must = append(must, qdrant.NewMatch(key, value))
	}
	if maxAge > 0 {
		since := time.Now().Add(-maxAge).Unix()
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   entity.FieldCreatedAt,
					Range: &qdrant.Range{Gte: qdrant.PtrOf(float64(since))},
				},
			},
		})
	}

	res, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          qdrant.PtrOf(uint64(1)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: &threshold,
	})
	if err != nil {
		return nil, semanticErr("store.vector_search", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	hit := res[0]
	p := hit.Payload
	e := &entity.CacheEntry{
		Key:    p[entity.FieldCacheKey].GetStringValue(),
		Input:  p[fieldInput].GetStringValue(),
		Result: p[fieldResult].GetStringValue(),
		Engine: p[entity.FieldEngine].GetStringValue(),
		Params: entity.Params{
			Mode:           p[entity.FieldMode].GetStringValue(),
			SubStyle:       p[entity.FieldSubStyle].GetStringValue(),
			TargetLanguage: p[entity.FieldTargetLang].GetStringValue(),
		},
		CreatedAt: time.Unix(p[entity.FieldCreatedAt].GetIntegerValue(), 0).UTC(),
	}
	if list := p[fieldInjections].GetListValue(); list != nil {
		for _, v := range list.GetValues() {
			e.Params.Injections = append(e.Params.Injections, v.GetStringValue())
		}
	}
	return &entity.VectorMatch{Entry: e, Score: hit.Score}, nil
}

// pointID derives a stable point id from the cache key.
func pointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

func (s *QdrantStore) Save(ctx context.Context, e *entity.CacheEntry, vector []float32) error {
	injections := make([]any, len(e.Params.Injections))
	for i, v := range e.Params.Injections {
		injections[i] = v
	}
	payload := map[string]any{
		entity.FieldCacheKey:   e.Key,
		fieldInput:             e.Input,
		fieldResult:            e.Result,
		entity.FieldMode:       e.Params.Mode,
		entity.FieldTargetLang: e.Params.TargetLanguage,
		entity.FieldSubStyle:   e.Params.SubStyle,
		entity.FieldEngine:     e.Engine,
		entity.FieldCreatedAt:  e.CreatedAt.Unix(),
		fieldInjections:        injections,
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collectionName,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(pointID(e.Key)),
				Vectors: qdrant.NewVectors(vector...),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return semanticErr("store.vector_save", err)
	}
	return nil
}

// Purge deletes the point of key, or every point when key is empty.
func (s *QdrantStore) Purge(ctx context.Context, key string) error {
	filter := &qdrant.Filter{}
	if key != "" {
		filter.Must = []*qdrant.Condition{qdrant.NewMatch(entity.FieldCacheKey, key)}
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collectionName,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return semanticErr("store.vector_purge", err)
	}
	return nil
}
