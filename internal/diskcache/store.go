// Package diskcache persists cached module objects under a root directory.
// Each object is one file: a short header followed by a zstd-compressed
// msgpack envelope.
package diskcache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hoytak/lazyrunner/pkg/params"
)

const (
	// Suffix is appended to every object key to form its file name.
	Suffix = ".lrc"

	formatVersion = 2
	kindTree      = "tree"
	kindValue     = "value"
	kindTyped     = "typed"
)

var magic = []byte("LZRC")

// ErrCorrupt is returned for files that are not valid cache entries.
var ErrCorrupt = errors.New("corrupt cache entry")

// envelope is the stored form of an object. Value holds the encoded
// object for the value and typed kinds and is empty only for trees.
type envelope struct {
	Format int                `msgpack:"format"`
	Kind   string             `msgpack:"kind"`
	Type   *typeDesc          `msgpack:"type,omitempty"`
	Tree   map[string]any     `msgpack:"tree,omitempty"`
	Value  msgpack.RawMessage `msgpack:"value,omitempty"`
}

// Store is a directory of cached objects. It implements resolver.DiskStore.
type Store struct {
	root  string
	level zstd.EncoderLevel
	log   *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Option configures a Store.
type Option func(*Store)

// WithCompressionLevel sets the zstd level (1-22, zstd command-line scale).
func WithCompressionLevel(level int) Option {
	return func(s *Store) {
		if level > 0 {
			s.level = zstd.EncoderLevelFromZstd(level)
		}
	}
}

// WithLogger sets the logger used for maintenance operations.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open creates root if needed and returns a store rooted there.
func Open(root string, opts ...Option) (*Store, error) {
	s := &Store{root: root, level: zstd.SpeedDefault, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", root, err)
	}
	var err error
	if s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(s.level)); err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	if s.dec, err = zstd.NewReader(nil); err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return s, nil
}

// Close releases the codec resources.
func (s *Store) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

// Root returns the cache directory.
func (s *Store) Root() string { return s.root }

// Path maps a slash-separated key to its file.
func (s *Store) Path(key string) (string, error) {
	clean := path.Clean(key)
	if key == "" || clean != key || path.IsAbs(key) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)+Suffix), nil
}

// Load reads the object stored under key. A missing entry returns an error
// wrapping fs.ErrNotExist.
func (s *Store) Load(key string) (any, error) {
	p, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	v, err := s.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// Save writes v under key. The file appears atomically; a failed write
// leaves nothing behind.
func (s *Store) Save(key string, v any) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	data, err := s.encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// encode stores trees by content, generic values as plain msgpack and
// anything else together with a description of its type.
func (s *Store) encode(v any) ([]byte, error) {
	env := envelope{Format: formatVersion, Kind: kindValue}
	var err error
	switch {
	case isTree(v):
		env.Kind, env.Tree = kindTree, v.(*params.Tree).ToMap()
	case generic(v):
		env.Value, err = msgpack.Marshal(plain(v))
	default:
		env.Kind = kindTyped
		if env.Type, err = describe(reflect.TypeOf(v)); err == nil {
			env.Value, err = msgpack.Marshal(v)
		}
	}
	if err != nil {
		return nil, err
	}
	raw, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, err
	}
	out := append([]byte{}, magic...)
	return s.enc.EncodeAll(raw, out), nil
}

func isTree(v any) bool {
	t, ok := v.(*params.Tree)
	return ok && t != nil
}

func (s *Store) decode(data []byte) (any, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	raw, err := s.dec.DecodeAll(data[len(magic):], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Format != formatVersion {
		return nil, fmt.Errorf("%w: format %d", ErrCorrupt, env.Format)
	}

	switch env.Kind {
	case kindTree:
		t, err := params.FromMap(env.Tree)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		t.Freeze()
		return t, nil
	case kindValue:
		v, err := decodeValue(env.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return params.Normalize(v), nil
	case kindTyped:
		t, err := env.Type.build()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		ptr := reflect.New(t)
		if err := msgpack.Unmarshal(env.Value, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return ptr.Elem().Interface(), nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrCorrupt, env.Kind)
}

// decodeValue decodes without type information. Integers come back in
// their narrowest msgpack width and binary data as []byte; callers widen
// with params.Normalize.
func decodeValue(data []byte) (any, error) {
	return msgpack.NewDecoder(bytes.NewReader(data)).DecodeInterface()
}

// ModuleStats summarizes the entries of one module directory.
type ModuleStats struct {
	Name    string
	Entries int
	Bytes   int64
}

// Stats summarizes the whole cache.
type Stats struct {
	Entries int
	Bytes   int64
	Modules []ModuleStats
}

// Stats walks the cache directory.
func (s *Store) Stats() (Stats, error) {
	per := make(map[string]*ModuleStats)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, Suffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		module := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		ms, ok := per[module]
		if !ok {
			ms = &ModuleStats{Name: module}
			per[module] = ms
		}
		ms.Entries++
		ms.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("scan cache %s: %w", s.root, err)
	}

	var st Stats
	for _, ms := range per {
		st.Entries += ms.Entries
		st.Bytes += ms.Bytes
		st.Modules = append(st.Modules, *ms)
	}
	sort.Slice(st.Modules, func(i, j int) bool { return st.Modules[i].Name < st.Modules[j].Name })
	return st, nil
}

// Clean removes the entries of the given modules, or of every module when
// none are named, and returns how many entries were removed.
func (s *Store) Clean(modules ...string) (int, error) {
	targets := modules
	if len(targets) == 0 {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			return 0, fmt.Errorf("read cache %s: %w", s.root, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				targets = append(targets, e.Name())
			}
		}
	}

	removed := 0
	for _, m := range targets {
		if m == "" || strings.ContainsAny(m, `/\`) || m == "." || m == ".." {
			return removed, fmt.Errorf("invalid module name %q", m)
		}
		dir := filepath.Join(s.root, m)
		n, err := countEntries(dir)
		if err != nil {
			return removed, err
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("remove %s: %w", dir, err)
		}
		removed += n
		s.log.Debug("cleaned cache entries", "module", m, "entries", n)
	}
	return removed, nil
}

func countEntries(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, Suffix) {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", dir, err)
	}
	return n, nil
}
