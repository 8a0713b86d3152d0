package sedpack

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ShardInfo summarizes one finalized shard within a dataset.
type ShardInfo struct {
	Name     string `json:"name"`
	Split    string `json:"split"`
	Records  int64  `json:"records"`
	Bytes    int64  `json:"bytes"`
	RawBytes int64  `json:"raw_bytes"`
}

// Manifest is the on-disk catalog of a dataset. It is the single source
// of truth for shard membership; in-memory state is only a cache of the
// last successful load or rewrite.
type Manifest struct {
	Version     uint32      `json:"version"`
	Schema      string      `json:"schema"`
	Codec       string      `json:"codec"`
	Compression string      `json:"compression"`
	Shards      []ShardInfo `json:"shards"`
}

// Catalog tracks the shards of one dataset. Every mutation rewrites the
// manifest file atomically via a temporary file and rename, so readers
// never observe a torn manifest.
type Catalog struct {
	dir string

	mu sync.Mutex
	m  Manifest
}

// loadCatalog reads the manifest of a dataset directory.
func loadCatalog(dir string) (*Catalog, error) {
	f, err := os.Open(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var m Manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: bad manifest: %v", ErrCorruptShard, err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("%w: manifest version %d, supported %d", ErrUnsupportedFormat, m.Version, FormatVersion)
	}
	return &Catalog{dir: dir, m: m}, nil
}

// Schema returns the schema identifier shared by all shards.
func (c *Catalog) Schema() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.Schema
}

// NumShards returns the total number of registered shards.
func (c *Catalog) NumShards() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m.Shards)
}

// Register adds a finalized shard to the catalog. Registering a name
// that is already present is a no-op, so registration may be retried
// after a crash between finalize and the catalog update.
func (c *Catalog) Register(info ShardInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.m.Shards {
		if s.Name == info.Name {
			return nil
		}
	}

	shards := append(append([]ShardInfo{}, c.m.Shards...), info)
	sort.Slice(shards, func(i, j int) bool { return shards[i].Name < shards[j].Name })

	next := c.m
	next.Shards = shards
	if err := c.save(&next); err != nil {
		return err
	}
	c.m = next
	return nil
}

// List returns shard metadata for a split, ordered by name. The empty
// split selects every shard.
func (c *Catalog) List(split string) []ShardInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ShardInfo, 0, len(c.m.Shards))
	for _, s := range c.m.Shards {
		if split == "" || s.Split == split {
			out = append(out, s)
		}
	}
	return out
}

// Splits returns the distinct split labels present in the catalog,
// in lexicographic order.
func (c *Catalog) Splits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, 4)
	out := make([]string, 0, 4)
	for _, s := range c.m.Shards {
		if !seen[s.Split] {
			seen[s.Split] = true
			out = append(out, s.Split)
		}
	}
	sort.Strings(out)
	return out
}

// AssignSplit relabels a shard's split membership. The shard bytes are
// not touched.
func (c *Catalog) AssignSplit(name, split string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := -1
	for i, s := range c.m.Shards {
		if s.Name == name {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("sedpack: unknown shard %q", name)
	}
	if c.m.Shards[pos].Split == split {
		return nil
	}

	next := c.m
	next.Shards = append([]ShardInfo{}, c.m.Shards...)
	next.Shards[pos].Split = split
	if err := c.save(&next); err != nil {
		return err
	}
	c.m = next
	return nil
}

func (c *Catalog) save(m *Manifest) error {
	path := filepath.Join(c.dir, ManifestName)
	tmp := path + ".tmp." + uuid.NewString()

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
