package native

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// File names inside one cache entry directory.
const (
	// ModuleFileName is the generated module source.
	ModuleFileName = "fused.go"
	// ArtifactName is the compiled artifact the loader opens.
	ArtifactName = "fused.so"
	// DescriptorName is the msgpack build descriptor.
	DescriptorName = "descriptor.msgpack"

	goModName = "go.mod"
)

// Descriptor records what produced a cache entry. It is written alongside
// the generated module for later inspection; builds never read it back.
type Descriptor struct {
	Key        string    `msgpack:"key"`
	Source     string    `msgpack:"source"`
	ParamType  string    `msgpack:"param_type"`
	ReturnType string    `msgpack:"return_type"`
	Toolchain  string    `msgpack:"toolchain"`
	CreatedAt  time.Time `msgpack:"created_at"`
}

// CacheStore is the content-addressed on-disk artifact cache: one directory
// per content hash holding the generated module source, a build descriptor,
// and the compiled artifact.
//
// Entries are created on first build and never auto-invalidated. Keys are
// deterministic hashes of (synthesized source, parameter type name, return
// type name), so two processes racing to build the same key write
// equivalent bytes; no locking is provided. The store lives for the whole
// process and is passed by reference, never held as ambient package state.
type CacheStore struct {
	root string
}

// NewCacheStore opens (creating if needed) the cache rooted at dir.
func NewCacheStore(root string) (*CacheStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact cache root: %w", err)
	}
	return &CacheStore{root: root}, nil
}

// Root returns the cache root directory.
func (cs *CacheStore) Root() string {
	return cs.root
}

// Dir returns the entry directory for a key.
func (cs *CacheStore) Dir(key string) string {
	return filepath.Join(cs.root, key)
}

// ArtifactPath returns where the compiled artifact for a key lives.
func (cs *CacheStore) ArtifactPath(key string) string {
	return filepath.Join(cs.Dir(key), ArtifactName)
}

// HasArtifact reports whether a built artifact already exists for the key.
func (cs *CacheStore) HasArtifact(key string) bool {
	_, err := os.Stat(cs.ArtifactPath(key))
	return err == nil
}

// WriteModule populates the entry directory for a key with the generated
// module, a minimal go.mod, and the build descriptor. It returns the entry
// directory.
func (cs *CacheStore) WriteModule(key string, moduleSrc []byte, desc Descriptor) (string, error) {
	dir := cs.Dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ModuleFileName), moduleSrc, 0o644); err != nil {
		return "", fmt.Errorf("write generated module: %w", err)
	}
	gomod := fmt.Sprintf("module fused_%s\n\ngo 1.24\n", key[:12])
	if err := os.WriteFile(filepath.Join(dir, goModName), []byte(gomod), 0o644); err != nil {
		return "", fmt.Errorf("write module descriptor: %w", err)
	}
	db, err := msgpack.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode build descriptor: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DescriptorName), db, 0o644); err != nil {
		return "", fmt.Errorf("write build descriptor: %w", err)
	}
	return dir, nil
}

// ReadDescriptor loads the build descriptor of an existing entry.
func (cs *CacheStore) ReadDescriptor(key string) (Descriptor, error) {
	b, err := os.ReadFile(filepath.Join(cs.Dir(key), DescriptorName))
	if err != nil {
		return Descriptor{}, err
	}
	var desc Descriptor
	if err := msgpack.Unmarshal(b, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("decode build descriptor: %w", err)
	}
	return desc, nil
}

// CacheKey derives the content-addressed entry key.
func CacheKey(source, paramType, returnType string) string {
	h := sha256.New()
	for _, part := range []string{source, paramType, returnType} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
