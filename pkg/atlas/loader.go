package atlas

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// manifestSchema validates atlas.json before any other bundle file is read.
// additionalProperties:false on adapters rejects unknown platform names.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "version", "name"],
  "properties": {
    "atlas_version": {"type": "string"},
    "id": {"type": "string", "pattern": "^[a-z][a-z0-9._-]*$"},
    "version": {"type": "string", "pattern": "^\\d+\\.\\d+\\.\\d+"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "author": {"type": "string"},
    "homepage": {"type": "string"},
    "repository": {"type": "string"},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "context_packs": {"type": "array", "items": {"type": "string"}},
    "policies": {"type": "array", "items": {"type": "string"}},
    "adapters": {
      "type": "object",
      "properties": {
        "openai": {"type": "string"},
        "anthropic": {"type": "string"},
        "google_adk": {"type": "string"},
        "mcp": {"type": "string"}
      },
      "additionalProperties": false
    },
    "dependencies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "version"],
        "properties": {
          "id": {"type": "string"},
          "version": {"type": "string"},
          "optional": {"type": "boolean"}
        }
      }
    },
    "license": {"type": "string"},
    "certification": {"type": "object"},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "min_runtime_version": {"type": "string"}
  }
}`

var compiledManifestSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://carp.schemas.local/atlas.manifest.schema.json"
	if err := c.AddResource(url, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("atlas manifest schema: %v", err))
	}
	return c.MustCompile(url)
}()

// contentTypeByExt maps context pack file extensions to content types.
var contentTypeByExt = map[string]string{
	".md":   "text/markdown",
	".json": "application/json",
	".txt":  "text/plain",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
}

// Loader loads and validates Atlas bundles from disk. Loads are cached by
// absolute resolved directory path.
type Loader struct {
	// RuntimeVersion is checked against each manifest's
	// min_runtime_version constraint.
	RuntimeVersion string

	mu    sync.Mutex
	cache map[string]*Atlas
}

// DefaultRuntimeVersion is assumed when a Loader is built with NewLoader.
const DefaultRuntimeVersion = "1.0.0"

// NewLoader builds a Loader with an empty cache.
func NewLoader() *Loader {
	return &Loader{
		RuntimeVersion: DefaultRuntimeVersion,
		cache:          make(map[string]*Atlas),
	}
}

// Load loads an Atlas from a directory containing atlas.json. A repeated
// Load of the same path returns the cached instance. Partial loads are not
// retained: validation of any file fails the whole load.
func (l *Loader) Load(path string) (*Atlas, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve atlas path: %w", err)
	}

	l.mu.Lock()
	if cached, ok := l.cache[abs]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	manifest, err := l.loadManifest(abs)
	if err != nil {
		return nil, err
	}

	a := &Atlas{
		Manifest: *manifest,
		RootPath: abs,
		Adapters: make(map[string]map[string]any),
	}

	for _, rel := range manifest.ContextPacks {
		pack, err := loadContextPack(abs, rel)
		if err != nil {
			return nil, err
		}
		a.ContextPacks = append(a.ContextPacks, *pack)
	}

	for _, rel := range manifest.Policies {
		pf, err := loadPolicyFile(abs, rel)
		if err != nil {
			return nil, err
		}
		a.Policies = append(a.Policies, *pf)
	}

	if err := l.loadAdapters(a); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[abs] = a
	l.mu.Unlock()
	return a, nil
}

// ClearCache drops all cached bundles.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Atlas)
}

func (l *Loader) loadManifest(root string) (*Manifest, error) {
	manifestPath := filepath.Join(root, "atlas.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: atlas.json not found in %s", ErrNotFound, root)
		}
		return nil, fmt.Errorf("read atlas.json: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Path: manifestPath, Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, &ValidationError{Path: manifestPath, Detail: err.Error()}
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, &ValidationError{Path: manifestPath, Detail: err.Error()}
	}
	if manifest.AtlasVersion == "" {
		manifest.AtlasVersion = "1.0"
	}

	if _, err := semver.NewVersion(manifest.Version); err != nil {
		return nil, &ValidationError{Path: manifestPath, Detail: fmt.Sprintf("version %q is not semver: %v", manifest.Version, err)}
	}
	if manifest.MinRuntimeVersion != "" {
		if err := l.checkRuntimeVersion(manifest.MinRuntimeVersion); err != nil {
			return nil, &ValidationError{Path: manifestPath, Detail: err.Error()}
		}
	}
	return &manifest, nil
}

func (l *Loader) checkRuntimeVersion(minVersion string) error {
	constraint, err := semver.NewConstraint(">= " + minVersion)
	if err != nil {
		return fmt.Errorf("min_runtime_version %q is not semver: %v", minVersion, err)
	}
	current, err := semver.NewVersion(l.RuntimeVersion)
	if err != nil {
		return fmt.Errorf("runtime version %q is not semver: %v", l.RuntimeVersion, err)
	}
	if !constraint.Check(current) {
		return fmt.Errorf("requires runtime >= %s, running %s", minVersion, l.RuntimeVersion)
	}
	return nil
}

func loadContextPack(root, rel string) (*ContextPack, error) {
	full := filepath.Join(root, rel)
	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, &ValidationError{Path: full, Detail: fmt.Sprintf("context pack unreadable: %v", err)}
	}

	ext := strings.ToLower(filepath.Ext(full))
	contentType, ok := contentTypeByExt[ext]
	if !ok {
		contentType = "text/plain"
	}
	// YAML packs must at least parse.
	if contentType == "application/yaml" {
		var probe any
		if err := yaml.Unmarshal(raw, &probe); err != nil {
			return nil, &ValidationError{Path: full, Detail: fmt.Sprintf("invalid YAML: %v", err)}
		}
	}
	if contentType == "application/json" {
		if !json.Valid(raw) {
			return nil, &ValidationError{Path: full, Detail: "invalid JSON"}
		}
	}

	return &ContextPack{Path: rel, ContentType: contentType, Content: string(raw)}, nil
}

func loadPolicyFile(root, rel string) (*PolicyFile, error) {
	full := filepath.Join(root, rel)
	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, &ValidationError{Path: full, Detail: fmt.Sprintf("policy file unreadable: %v", err)}
	}

	var doc struct {
		ID       string         `json:"id" yaml:"id"`
		Name     string         `json:"name" yaml:"name"`
		Rules    []PolicyRule   `json:"rules" yaml:"rules"`
		Defaults map[string]any `json:"defaults" yaml:"defaults"`
	}
	ext := strings.ToLower(filepath.Ext(full))
	if ext == ".yaml" || ext == ".yml" {
		err = yaml.Unmarshal(raw, &doc)
	} else {
		err = json.Unmarshal(raw, &doc)
	}
	if err != nil {
		return nil, &ValidationError{Path: full, Detail: fmt.Sprintf("invalid policy file: %v", err)}
	}

	stem := strings.TrimSuffix(filepath.Base(full), filepath.Ext(full))
	pf := &PolicyFile{
		Path:     rel,
		PolicyID: doc.ID,
		Name:     doc.Name,
		Defaults: doc.Defaults,
	}
	if pf.PolicyID == "" {
		pf.PolicyID = stem
	}
	if pf.Name == "" {
		pf.Name = stem
	}
	pf.Rules = doc.Rules
	return pf, nil
}

func (l *Loader) loadAdapters(a *Atlas) error {
	refs := map[string]string{
		"openai":     a.Manifest.Adapters.OpenAI,
		"anthropic":  a.Manifest.Adapters.Anthropic,
		"google_adk": a.Manifest.Adapters.GoogleADK,
		"mcp":        a.Manifest.Adapters.MCP,
	}
	for platform, rel := range refs {
		if rel == "" {
			continue
		}
		full := filepath.Join(a.RootPath, rel)
		raw, err := os.ReadFile(full)
		if err != nil {
			return &ValidationError{Path: full, Detail: fmt.Sprintf("%s adapter unreadable: %v", platform, err)}
		}
		// The anthropic descriptor is a system-prompt text file; the
		// others are structured JSON.
		if platform == "anthropic" {
			a.Adapters[platform] = map[string]any{"content": string(raw), "path": rel}
			continue
		}
		var descriptor map[string]any
		if err := json.Unmarshal(raw, &descriptor); err != nil {
			return &ValidationError{Path: full, Detail: fmt.Sprintf("invalid %s adapter JSON: %v", platform, err)}
		}
		a.Adapters[platform] = descriptor
	}
	return nil
}
