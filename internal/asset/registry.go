package asset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"replaydesk/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const assetSchema = `{
  "type": "object",
  "required": ["symbol", "category", "contract_size", "pip_decimal"],
  "properties": {
    "symbol":        {"type": "string", "minLength": 1},
    "name":          {"type": "string"},
    "category":      {"enum": ["forex", "crypto", "index", "commodity"]},
    "contract_size": {"type": "number", "exclusiveMinimum": 0},
    "pip_decimal":   {"type": "integer", "minimum": 0, "maximum": 10},
    "tick_size":     {"type": "number", "minimum": 0},
    "min_lot":       {"type": "number", "minimum": 0},
    "digits":        {"type": "integer", "minimum": 0, "maximum": 10}
  }
}`

// FileConfig maps the catalog file.
type FileConfig struct {
	Assets map[string]Asset `yaml:"assets"`
}

// Snapshot is an immutable view of the catalog.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Assets   map[string]Asset
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry 管理资产目录，可选监听文件变更并热加载。
type Registry struct {
	path   string
	v      *viper.Viper
	schema *jsonschema.Schema

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry reads the catalog at path. With watch set the file is re-read on
// every write; a reload that fails validation keeps the previous snapshot.
func NewRegistry(path string, watch bool) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("asset registry requires path")
	}
	schema, err := compileSchema(assetSchema)
	if err != nil {
		return nil, err
	}
	r := &Registry{path: path, schema: schema}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read asset catalog failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := r.Reload(); err != nil {
				logger.Errorf("asset catalog reload failed: %v", err)
				return
			}
			r.notifyListeners()
		})
		v.WatchConfig()
		r.v = v
	}
	return r, nil
}

// NewStaticRegistry builds an in-memory registry, mostly for tests and for
// running without a catalog file.
func NewStaticRegistry(assets ...Asset) *Registry {
	snap := Snapshot{Version: 1, LoadedAt: time.Now(), Assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		a = a.withDefaults()
		snap.Assets[a.Symbol] = a
	}
	return &Registry{snapshot: snap}
}

// Reload re-reads and validates the catalog file.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	cfg, err := readCatalogFile(r.path)
	if err != nil {
		return err
	}
	assets := make(map[string]Asset, len(cfg.Assets))
	for key, a := range cfg.Assets {
		if strings.TrimSpace(a.Symbol) == "" {
			a.Symbol = key
		}
		if err := r.validate(a); err != nil {
			return fmt.Errorf("asset %s invalid: %w", key, err)
		}
		a = a.withDefaults()
		assets[a.Symbol] = a
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Assets:   assets,
	}
	r.mu.Unlock()
	logger.Infof("asset registry loaded %d instruments from %s", len(assets), filepath.Base(r.path))
	return nil
}

func (r *Registry) validate(a Asset) error {
	if r.schema == nil {
		return nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return r.schema.Validate(doc)
}

// Get returns the catalog entry for symbol.
func (r *Registry) Get(symbol string) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.snapshot.Assets[NormalizeSymbol(symbol)]
	return a, ok
}

// Lookup returns the catalog entry or the heuristic default for unknown symbols.
func (r *Registry) Lookup(symbol string) Asset {
	if r != nil {
		if a, ok := r.Get(symbol); ok {
			return a
		}
	}
	return Default(symbol)
}

// List returns all catalog entries sorted by symbol.
func (r *Registry) List() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Asset, 0, len(r.snapshot.Assets))
	for _, a := range r.snapshot.Assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Snapshot 返回当前目录的副本。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dst := Snapshot{
		Version:  r.snapshot.Version,
		LoadedAt: r.snapshot.LoadedAt,
		Assets:   make(map[string]Asset, len(r.snapshot.Assets)),
	}
	for k, a := range r.snapshot.Assets {
		dst.Assets[k] = a
	}
	return dst
}

// OnChange registers a listener invoked after each successful hot reload.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) notifyListeners() {
	snap := r.Snapshot()
	r.mu.RLock()
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("asset listener")
			cb(snap)
		}(fn)
	}
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func compileSchema(src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("asset.json", strings.NewReader(src)); err != nil {
		return nil, err
	}
	return compiler.Compile("asset.json")
}

func readCatalogFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read asset catalog failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse asset catalog failed: %w", err)
	}
	return cfg, nil
}
