package preset

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const defaultPresetKey = "simple"

var globalRegistry = newRegistry()

type registry struct {
	mu      sync.RWMutex
	presets map[string]Metadata
}

func newRegistry() *registry {
	return &registry{presets: make(map[string]Metadata)}
}

// Register 将预设加入全局注册表，重复键会返回错误。
func Register(meta Metadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合预设 init() 中调用。
func MustRegister(meta Metadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的预设。
func Resolve(key string) (Metadata, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的预设列表。
func List() []Metadata {
	return globalRegistry.list()
}

// Keys 返回所有已注册预设的键值。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

func (r *registry) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(meta Metadata) error {
	key := r.normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("preset key is required")
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.presets[key]; exists {
		return fmt.Errorf("preset %s already registered", key)
	}
	r.presets[key] = meta
	return nil
}

func (r *registry) resolve(key string) (Metadata, bool) {
	if key == "" {
		return Metadata{}, false
	}
	normalized := r.normalizeKey(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.presets[normalized]
	return meta, ok
}

func (r *registry) list() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.presets) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.presets))
	for key := range r.presets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Metadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.presets[key])
	}
	return result
}
