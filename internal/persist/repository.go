// Package persist provides crash-safe persistence for strategy definitions
// and the append-only order audit log.
//
// Strategies are stored one JSON file per strategy: strat_<id>.json. Writes
// use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save. The controller calls
// Save on every definition change; the engine reads the full set back on
// startup for recovery.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"strategy-runner/pkg/types"
)

// ErrNotFound is returned when a strategy id has no stored definition.
var ErrNotFound = errors.New("strategy not found")

// StrategyRepository is the durable home of strategy definitions. The
// runtime store holds residents; this holds everything, including strategies
// in terminal states.
type StrategyRepository interface {
	Save(cfg types.StrategyConfig) error
	Load(id string) (types.StrategyConfig, error)
	LoadAll() ([]types.StrategyConfig, error)
	Delete(id string) error
	Close() error
}

// FileRepository persists strategies to JSON files in a directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type FileRepository struct {
	dir string
	mu  sync.Mutex // serializes all file operations
}

// OpenRepository creates a repository backed by the given directory.
func OpenRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repository dir: %w", err)
	}
	return &FileRepository{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (r *FileRepository) Close() error {
	return nil
}

func (r *FileRepository) path(id string) string {
	return filepath.Join(r.dir, "strat_"+id+".json")
}

// Save atomically persists a strategy definition. It writes to a .tmp file
// first, then renames over the target so the file is never left in a
// partial state (crash-safe).
func (r *FileRepository) Save(cfg types.StrategyConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("save strategy: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}

	path := r.path(cfg.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write strategy: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads one strategy definition.
func (r *FileRepository) Load(id string) (types.StrategyConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return types.StrategyConfig{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return types.StrategyConfig{}, fmt.Errorf("read strategy: %w", err)
	}

	var cfg types.StrategyConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return types.StrategyConfig{}, fmt.Errorf("unmarshal strategy %s: %w", id, err)
	}
	return cfg, nil
}

// LoadAll reads every stored strategy. Unreadable files fail the whole load:
// recovery must not silently skip a strategy that may hold a position.
func (r *FileRepository) LoadAll() ([]types.StrategyConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read repository dir: %w", err)
	}

	var out []types.StrategyConfig
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "strat_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var cfg types.StrategyConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Delete removes a strategy definition. Deleting a missing id is not an error.
func (r *FileRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete strategy: %w", err)
	}
	return nil
}
