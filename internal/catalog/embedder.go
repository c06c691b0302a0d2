package catalog

import (
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// pointSpace is the UUID namespace of catalog point IDs.
var pointSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("lazyrunner/catalog"))

// PointID returns the stable catalog ID of a module result.
func PointID(module, key string) string {
	return uuid.NewSHA1(pointSpace, []byte(module+"@"+key)).String()
}

// Embedder maps parameter trees to fixed-size vectors by feature hashing.
// Every leaf contributes a path feature and a path=value feature, so trees
// that share structure score above zero even when their values differ.
type Embedder struct {
	Dimensions int
}

// NewEmbedder returns an embedder producing vectors of the given size.
func NewEmbedder(dimensions int) (*Embedder, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("catalog dimensions must be positive, got %d", dimensions)
	}
	return &Embedder{Dimensions: dimensions}, nil
}

// Embed returns the unit-length vector of t. A nil or empty tree yields the
// zero vector.
func (e *Embedder) Embed(t *params.Tree) []float32 {
	vec := make([]float32, e.Dimensions)
	if t == nil {
		return vec
	}
	t.Walk(func(path string, v any) {
		e.add(vec, path, 0.5)
		e.add(vec, path+"="+leafString(v), 1)
	})
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func (e *Embedder) add(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	i := h % uint64(len(vec))
	if h>>63 == 1 {
		weight = -weight
	}
	vec[i] += weight
}

// Flatten renders the leaves of t as path=value metadata.
func Flatten(t *params.Tree) map[string]string {
	out := make(map[string]string)
	if t == nil {
		return out
	}
	t.Walk(func(path string, v any) {
		out[path] = leafString(v)
	})
	return out
}

func leafString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return fmt.Sprintf("0x%x", x)
	case nil:
		return "null"
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
