// Package atlas loads, validates, and caches capability packages. An Atlas
// bundle is a directory holding a manifest (atlas.json), context packs,
// policy files, and platform adapter descriptors.
package atlas

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/carp/pkg/policy"
)

// Load errors. A failed load retains nothing: either the full bundle
// registers or nothing does.
var (
	ErrNotFound = errors.New("atlas not found")
)

// ValidationError reports a malformed bundle: bad manifest, unknown adapter,
// or dangling file reference.
type ValidationError struct {
	Path   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("atlas validation failed (%s): %s", e.Path, e.Detail)
}

// Certification records the compliance status declared by the publisher.
type Certification struct {
	CARPCompliant      bool       `json:"carp_compliant"`
	TraceCompliant     bool       `json:"trace_compliant"`
	LastCertified      *time.Time `json:"last_certified,omitempty"`
	CertifiedBy        string     `json:"certified_by,omitempty"`
	CertificationLevel string     `json:"certification_level,omitempty"` // none, basic, standard, enterprise
}

// Dependency declares a dependency on another Atlas.
type Dependency struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Optional bool   `json:"optional,omitempty"`
}

// Adapters holds the adapter descriptor file references. Only these four
// platform names are known; anything else fails validation.
type Adapters struct {
	OpenAI    string `json:"openai,omitempty"`
	Anthropic string `json:"anthropic,omitempty"`
	GoogleADK string `json:"google_adk,omitempty"`
	MCP       string `json:"mcp,omitempty"`
}

// Manifest is the atlas.json entry point of a bundle.
type Manifest struct {
	AtlasVersion      string        `json:"atlas_version"`
	ID                string        `json:"id"`
	Version           string        `json:"version"`
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	Author            string        `json:"author,omitempty"`
	Homepage          string        `json:"homepage,omitempty"`
	Repository        string        `json:"repository,omitempty"`
	Capabilities      []string      `json:"capabilities,omitempty"`
	ContextPacks      []string      `json:"context_packs,omitempty"`
	Policies          []string      `json:"policies,omitempty"`
	Adapters          Adapters      `json:"adapters,omitempty"`
	Dependencies      []Dependency  `json:"dependencies,omitempty"`
	License           string        `json:"license,omitempty"`
	Certification     Certification `json:"certification,omitempty"`
	Keywords          []string      `json:"keywords,omitempty"`
	MinRuntimeVersion string        `json:"min_runtime_version,omitempty"`
}

// ContextPack is a loaded context file from a bundle.
type ContextPack struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// PolicyRule is one entry in a policy file's rules list. Kind-tagged entries
// compile into engine rules; effect-tagged deny entries supply denylist
// material for resolutions.
type PolicyRule struct {
	policy.RuleDefinition `yaml:",inline"`

	Effect  string   `json:"effect,omitempty" yaml:"effect,omitempty"`
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	Reason  string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// PolicyFile is a loaded policy file: an ordered rule list plus defaults.
type PolicyFile struct {
	Path     string         `json:"path"`
	PolicyID string         `json:"policy_id"`
	Name     string         `json:"name"`
	Rules    []PolicyRule   `json:"rules"`
	Defaults map[string]any `json:"defaults,omitempty"`
}

// Atlas is a fully loaded bundle.
type Atlas struct {
	Manifest     Manifest
	RootPath     string
	ContextPacks []ContextPack
	Policies     []PolicyFile
	// Adapter descriptors keyed by platform name, loaded as opaque
	// structured data.
	Adapters map[string]map[string]any
}

// ID returns the manifest id.
func (a *Atlas) ID() string { return a.Manifest.ID }

// Version returns the manifest version.
func (a *Atlas) Version() string { return a.Manifest.Version }

// HasCapability reports whether the manifest declares the capability.
func (a *Atlas) HasCapability(capability string) bool {
	for _, c := range a.Manifest.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
