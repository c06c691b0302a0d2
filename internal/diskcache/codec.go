package diskcache

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// MarshalTree encodes a parameter tree with the cache codec, uncompressed.
// Integer, float and byte leaves keep their types, which JSON would not.
func MarshalTree(t *params.Tree) ([]byte, error) {
	if t == nil {
		t = params.New()
	}
	return msgpack.Marshal(t.ToMap())
}

// UnmarshalTree decodes the output of MarshalTree into an unfrozen tree.
// Leaves are normalized as the tree stores them, so the hash is preserved.
func UnmarshalTree(data []byte) (*params.Tree, error) {
	if len(data) == 0 {
		return params.New(), nil
	}
	var m map[string]any
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return params.FromMap(m)
}
