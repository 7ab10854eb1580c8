// Package replay implements golden-trace manifests: recording an event
// sequence with nondeterminism rules and comparing a later run against it.
package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/carp/pkg/trace"
)

// ManifestVersion is stamped on every exported manifest.
const ManifestVersion = "1.0"

// RuleKind selects how a nondeterministic field is handled during compare.
type RuleKind string

const (
	// RuleIgnore strips the field before comparison.
	RuleIgnore RuleKind = "ignore"
	// RuleNormalize replaces the value with a <normalized:field> placeholder.
	RuleNormalize RuleKind = "normalize"
	// RuleMask replaces the value with the rule's value (default "***").
	RuleMask RuleKind = "mask"
	// RulePattern accepts any string value matching the rule's regex.
	RulePattern RuleKind = "pattern"
)

// Rule handles one nondeterministic field. Field is a dotted path selector
// where * matches a single segment; a bare field name or *.name form matches
// the trailing segment at any depth.
type Rule struct {
	Field string   `json:"field"`
	Kind  RuleKind `json:"rule"`
	Value string   `json:"value,omitempty"`
}

// Artifact references recorded content in a manifest.
type Artifact struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	SHA256      string `json:"sha256"`
	ContentType string `json:"content_type"`
}

// Manifest is a recorded event sequence plus the rules for replaying it.
type Manifest struct {
	ManifestVersion    string           `json:"manifest_version"`
	TraceID            uuid.UUID        `json:"trace_id"`
	Name               string           `json:"name"`
	Description        string           `json:"description,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	Artifacts          []Artifact       `json:"artifacts,omitempty"`
	Nondeterminism     []Rule           `json:"nondeterminism"`
	ExpectedEvents     []map[string]any `json:"expected_events"`
	ExpectedEventCount int              `json:"expected_event_count"`
	Tags               []string         `json:"tags,omitempty"`
}

// Difference is one divergence between expected and actual events.
// EventIndex -1 marks sequence-level differences.
type Difference struct {
	EventIndex int    `json:"event_index"`
	Field      string `json:"field"`
	Expected   any    `json:"expected"`
	Actual     any    `json:"actual"`
	Severity   string `json:"severity"`
}

// Result is the outcome of a replay comparison.
type Result struct {
	Success       bool         `json:"success"`
	ManifestName  string       `json:"manifest_name"`
	TraceID       uuid.UUID    `json:"trace_id"`
	ExpectedCount int          `json:"expected_count"`
	ActualCount   int          `json:"actual_count"`
	Differences   []Difference `json:"differences,omitempty"`
	MatchedEvents int          `json:"matched_events"`
	SkippedFields []string     `json:"skipped_fields,omitempty"`
	DurationMS    int64        `json:"duration_ms"`
}

// DefaultRules returns the built-in nondeterminism rules: timestamps are
// ignored, span and execution ids are normalized.
func DefaultRules() []Rule {
	return []Rule{
		{Field: "time", Kind: RuleIgnore},
		{Field: "*.time", Kind: RuleIgnore},
		{Field: "trace.span_id", Kind: RuleNormalize},
		{Field: "*.span_id", Kind: RuleNormalize},
		{Field: "execution_id", Kind: RuleNormalize},
		{Field: "*.execution_id", Kind: RuleNormalize},
	}
}

// Replayer compares traces against golden expectations.
type Replayer struct {
	rules []Rule
	clock func() time.Time
}

// New builds a replayer with the default nondeterminism rules.
func New() *Replayer {
	return &Replayer{
		rules: DefaultRules(),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// AddRule appends a nondeterminism rule.
func (r *Replayer) AddRule(rule Rule) {
	r.rules = append(r.rules, rule)
}

// SetRules replaces the custom rules, keeping the defaults.
func (r *Replayer) SetRules(rules []Rule) {
	r.rules = append(DefaultRules(), rules...)
}

// CreateManifest records the events as golden expectations.
func (r *Replayer) CreateManifest(events []trace.Event, name, description string, tags []string) (*Manifest, error) {
	if len(events) == 0 {
		return nil, errors.New("cannot create manifest from empty events")
	}
	dicts, err := eventsToMaps(events)
	if err != nil {
		return nil, err
	}
	return &Manifest{
		ManifestVersion:    ManifestVersion,
		TraceID:            events[0].Trace.TraceID,
		Name:               name,
		Description:        description,
		CreatedAt:          r.clock(),
		Nondeterminism:     DefaultRules(),
		ExpectedEvents:     dicts,
		ExpectedEventCount: len(events),
		Tags:               tags,
	}, nil
}

// SaveManifest writes a manifest as indented JSON, creating parent
// directories as needed.
func SaveManifest(m *Manifest, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Export records a trace from the bus into a manifest file.
func Export(bus *trace.Bus, traceID uuid.UUID, name, description, path string) (*Manifest, error) {
	events, _, err := bus.GetEvents(traceID, trace.Filter{}, 0, 0)
	if err != nil {
		return nil, err
	}
	r := New()
	m, err := r.CreateManifest(events, name, description, nil)
	if err != nil {
		return nil, err
	}
	if err := SaveManifest(m, path); err != nil {
		return nil, err
	}
	return m, nil
}

// CompareManifest replays a manifest against the actual events, using the
// manifest's recorded nondeterminism rules on top of the defaults.
func (r *Replayer) CompareManifest(m *Manifest, actual []trace.Event) (*Result, error) {
	cmp := New()
	var custom []Rule
	defaults := make(map[Rule]bool)
	for _, d := range DefaultRules() {
		defaults[d] = true
	}
	for _, rule := range m.Nondeterminism {
		if !defaults[rule] {
			custom = append(custom, rule)
		}
	}
	cmp.SetRules(custom)
	return cmp.Compare(m.ExpectedEvents, actual, m.Name, m.TraceID)
}

// Compare walks expected and actual events after normalization and reports
// every divergence.
func (r *Replayer) Compare(expected []map[string]any, actual []trace.Event, name string, traceID uuid.UUID) (*Result, error) {
	start := r.clock()

	actualDicts, err := eventsToMaps(actual)
	if err != nil {
		return nil, err
	}

	expectedNorm := make([]map[string]any, len(expected))
	for i, e := range expected {
		expectedNorm[i] = r.normalize(e)
	}
	actualNorm := make([]map[string]any, len(actualDicts))
	for i, e := range actualDicts {
		actualNorm[i] = r.normalize(e)
	}

	var skipped []string
	for _, rule := range r.rules {
		if rule.Kind == RuleIgnore {
			skipped = append(skipped, rule.Field)
		}
	}
	sort.Strings(skipped)

	var differences []Difference
	if len(expected) != len(actual) {
		differences = append(differences, Difference{
			EventIndex: -1,
			Field:      "event_count",
			Expected:   len(expected),
			Actual:     len(actual),
			Severity:   "error",
		})
	}

	matched := 0
	minLen := len(expectedNorm)
	if len(actualNorm) < minLen {
		minLen = len(actualNorm)
	}
	for i := 0; i < minLen; i++ {
		diffs := compareMaps(expectedNorm[i], actualNorm[i], i, "")
		if len(diffs) == 0 {
			matched++
		}
		differences = append(differences, diffs...)
	}
	for i := minLen; i < len(expected); i++ {
		differences = append(differences, Difference{
			EventIndex: i,
			Field:      "event",
			Expected:   expected[i]["event_type"],
			Actual:     nil,
			Severity:   "error",
		})
	}
	for i := minLen; i < len(actualDicts); i++ {
		differences = append(differences, Difference{
			EventIndex: i,
			Field:      "event",
			Expected:   nil,
			Actual:     actualDicts[i]["event_type"],
			Severity:   "warning",
		})
	}

	return &Result{
		Success:       len(differences) == 0,
		ManifestName:  name,
		TraceID:       traceID,
		ExpectedCount: len(expected),
		ActualCount:   len(actual),
		Differences:   differences,
		MatchedEvents: matched,
		SkippedFields: skipped,
		DurationMS:    r.clock().Sub(start).Milliseconds(),
	}, nil
}

func eventsToMaps(events []trace.Event) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// normalize deep-copies the event and applies every rule.
func (r *Replayer) normalize(event map[string]any) map[string]any {
	raw, err := json.Marshal(event)
	if err != nil {
		return event
	}
	var copied map[string]any
	if err := json.Unmarshal(raw, &copied); err != nil {
		return event
	}
	for _, rule := range r.rules {
		applyRule(copied, rule, "")
	}
	return copied
}

func applyRule(obj any, rule Rule, path string) {
	switch v := obj.(type) {
	case map[string]any:
		for key, value := range v {
			currentPath := key
			if path != "" {
				currentPath = path + "." + key
			}
			if pathMatches(currentPath, rule.Field) {
				switch rule.Kind {
				case RuleIgnore:
					delete(v, key)
				case RuleNormalize:
					v[key] = fmt.Sprintf("<normalized:%s>", key)
				case RuleMask:
					mask := rule.Value
					if mask == "" {
						mask = "***"
					}
					v[key] = mask
				case RulePattern:
					if s, ok := value.(string); ok && rule.Value != "" {
						if re, err := regexp.Compile(rule.Value); err == nil && re.MatchString(s) {
							v[key] = fmt.Sprintf("<pattern:%s>", key)
						}
					}
				}
			} else {
				applyRule(value, rule, currentPath)
			}
		}
	case []any:
		for i, item := range v {
			applyRule(item, rule, fmt.Sprintf("%s[%d]", path, i))
		}
	}
}

// pathMatches reports whether a dotted path matches a selector. * matches one
// segment; a bare name or *.name selector matches the trailing segment.
func pathMatches(path, pattern string) bool {
	fieldName := path
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		fieldName = path[idx+1:]
	}
	if pattern == fieldName || pattern == "*."+fieldName {
		return true
	}
	escaped := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `[^.]+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

func compareMaps(expected, actual map[string]any, index int, path string) []Difference {
	var differences []Difference

	keys := make(map[string]bool)
	for k := range expected {
		keys[k] = true
	}
	for k := range actual {
		keys[k] = true
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, key := range ordered {
		currentPath := key
		if path != "" {
			currentPath = path + "." + key
		}
		expVal, expOK := expected[key]
		actVal, actOK := actual[key]

		switch {
		case !expOK:
			differences = append(differences, Difference{
				EventIndex: index, Field: currentPath,
				Expected: nil, Actual: actVal, Severity: "warning",
			})
		case !actOK:
			differences = append(differences, Difference{
				EventIndex: index, Field: currentPath,
				Expected: expVal, Actual: nil, Severity: "error",
			})
		default:
			differences = append(differences, compareValues(expVal, actVal, index, currentPath)...)
		}
	}
	return differences
}

func compareValues(expected, actual any, index int, path string) []Difference {
	expMap, expIsMap := expected.(map[string]any)
	actMap, actIsMap := actual.(map[string]any)
	if expIsMap && actIsMap {
		return compareMaps(expMap, actMap, index, path)
	}

	expList, expIsList := expected.([]any)
	actList, actIsList := actual.([]any)
	if expIsList && actIsList {
		if len(expList) != len(actList) {
			return []Difference{{
				EventIndex: index, Field: path + ".length",
				Expected: len(expList), Actual: len(actList), Severity: "error",
			}}
		}
		var differences []Difference
		for i := range expList {
			differences = append(differences,
				compareValues(expList[i], actList[i], index, fmt.Sprintf("%s[%d]", path, i))...)
		}
		return differences
	}

	if !jsonEqual(expected, actual) {
		return []Difference{{
			EventIndex: index, Field: path,
			Expected: expected, Actual: actual, Severity: "error",
		}}
	}
	return nil
}

// jsonEqual compares two JSON-decoded scalars.
func jsonEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	ar, err1 := json.Marshal(a)
	br, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ar) == string(br)
}
