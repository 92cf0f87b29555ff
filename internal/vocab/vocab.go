package vocab

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// #region constants
const (
	PaddingToken = "@@PADDING@@"
	OOVToken     = "@@UNKNOWN@@"

	TokensNamespace = "tokens"
	POSNamespace    = "pos"
	LabelsNamespace = "head_tags"
)

var (
	// ErrUnknownNamespace is returned when an instance carries a field the vocabulary never saw.
	ErrUnknownNamespace = errors.New("unknown namespace")
	// ErrUnknownLabel is returned when a closed namespace meets a value outside its label set.
	ErrUnknownLabel = errors.New("unknown label")
)

// #endregion

// #region types
// FieldSource exposes the string fields of one instance keyed by namespace.
type FieldSource interface {
	Fields() map[string][]string
}

// Vocabulary maps strings to contiguous integer ids, one table per namespace.
// Padded namespaces reserve id 0 for padding and id 1 for out-of-vocabulary tokens;
// closed (non-padded) namespaces hold label sets with no fallback.
type Vocabulary struct {
	tokenToIndex map[string]map[string]int
	indexToToken map[string][]string
	closed       map[string]bool
}

// New returns an empty vocabulary.
func New() *Vocabulary {
	return &Vocabulary{
		tokenToIndex: make(map[string]map[string]int),
		indexToToken: make(map[string][]string),
		closed:       make(map[string]bool),
	}
}

// IsPaddedNamespace applies the naming convention: namespaces ending in "tags" or
// "labels" are closed label sets, everything else is padded.
func IsPaddedNamespace(namespace string) bool {
	return !strings.HasSuffix(namespace, "tags") && !strings.HasSuffix(namespace, "labels")
}

// #endregion

// #region namespace-ops
// AddNamespace creates namespace if missing.
func (v *Vocabulary) AddNamespace(namespace string) {
	if _, ok := v.tokenToIndex[namespace]; ok {
		return
	}
	v.tokenToIndex[namespace] = make(map[string]int)
	v.indexToToken[namespace] = nil
	if IsPaddedNamespace(namespace) {
		v.AddToken(namespace, PaddingToken)
		v.AddToken(namespace, OOVToken)
	} else {
		v.closed[namespace] = true
	}
}

// AddToken appends token to namespace if absent and returns its id.
func (v *Vocabulary) AddToken(namespace, token string) int {
	if _, ok := v.tokenToIndex[namespace]; !ok {
		v.AddNamespace(namespace)
	}
	if id, ok := v.tokenToIndex[namespace][token]; ok {
		return id
	}
	id := len(v.indexToToken[namespace])
	v.tokenToIndex[namespace][token] = id
	v.indexToToken[namespace] = append(v.indexToToken[namespace], token)
	return id
}

// HasNamespace reports whether namespace exists.
func (v *Vocabulary) HasNamespace(namespace string) bool {
	_, ok := v.tokenToIndex[namespace]
	return ok
}

// IsClosed reports whether namespace is a label set without an OOV fallback.
func (v *Vocabulary) IsClosed(namespace string) bool { return v.closed[namespace] }

// Contains reports whether token is present in namespace.
func (v *Vocabulary) Contains(namespace, token string) bool {
	_, ok := v.tokenToIndex[namespace][token]
	return ok
}

// Size returns the number of ids in namespace, specials included.
func (v *Vocabulary) Size(namespace string) int { return len(v.indexToToken[namespace]) }

// Namespaces returns namespace names in sorted order.
func (v *Vocabulary) Namespaces() []string {
	out := make([]string, 0, len(v.tokenToIndex))
	for ns := range v.tokenToIndex {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Token returns the string for id, or "" when out of range.
func (v *Vocabulary) Token(namespace string, id int) string {
	toks := v.indexToToken[namespace]
	if id < 0 || id >= len(toks) {
		return ""
	}
	return toks[id]
}

// Index maps token to its id. Padded namespaces fall back to the OOV id; closed
// namespaces return ErrUnknownLabel.
func (v *Vocabulary) Index(namespace, token string) (int, error) {
	table, ok := v.tokenToIndex[namespace]
	if !ok {
		return 0, fmt.Errorf("index %s: %w", namespace, ErrUnknownNamespace)
	}
	if id, ok := table[token]; ok {
		return id, nil
	}
	if v.closed[namespace] {
		return 0, fmt.Errorf("index %s %q: %w", namespace, token, ErrUnknownLabel)
	}
	return table[OOVToken], nil
}

// #endregion

// #region clone
// Clone returns a deep copy; mutating the copy never touches v.
func (v *Vocabulary) Clone() *Vocabulary {
	out := New()
	for ns, toks := range v.indexToToken {
		copied := make([]string, len(toks))
		copy(copied, toks)
		out.indexToToken[ns] = copied
		table := make(map[string]int, len(toks))
		for i, t := range copied {
			table[t] = i
		}
		out.tokenToIndex[ns] = table
	}
	for ns, c := range v.closed {
		out.closed[ns] = c
	}
	return out
}

// #endregion

// #region build
// FromInstances builds a vocabulary from training instances. Within a namespace,
// tokens are ordered by descending count, ties broken alphabetically.
func FromInstances(instances []FieldSource) *Vocabulary {
	counts := make(map[string]map[string]int)
	for _, inst := range instances {
		for ns, toks := range inst.Fields() {
			if counts[ns] == nil {
				counts[ns] = make(map[string]int)
			}
			for _, t := range toks {
				counts[ns][t]++
			}
		}
	}

	v := New()
	namespaces := make([]string, 0, len(counts))
	for ns := range counts {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	for _, ns := range namespaces {
		v.AddNamespace(ns)
		toks := make([]string, 0, len(counts[ns]))
		for t := range counts[ns] {
			toks = append(toks, t)
		}
		c := counts[ns]
		sort.Slice(toks, func(i, j int) bool {
			if c[toks[i]] != c[toks[j]] {
				return c[toks[i]] > c[toks[j]]
			}
			return toks[i] < toks[j]
		})
		for _, t := range toks {
			v.AddToken(ns, t)
		}
	}
	return v
}

// ExtendFromInstances adds unseen tokens of the padded namespaces accepted by extendable,
// in first-appearance order and returns how many were added. Everything is validated
// before mutating: a namespace absent from v yields ErrUnknownNamespace and an unseen
// value in a closed namespace yields ErrUnknownLabel, leaving v unchanged. Padded
// namespaces rejected by extendable keep mapping unseen tokens to the OOV id.
func (v *Vocabulary) ExtendFromInstances(instances []FieldSource, extendable func(namespace string) bool) (int, error) {
	for _, inst := range instances {
		for ns, toks := range inst.Fields() {
			if !v.HasNamespace(ns) {
				return 0, fmt.Errorf("extend %s: %w", ns, ErrUnknownNamespace)
			}
			if !v.closed[ns] {
				continue
			}
			for _, t := range toks {
				if !v.Contains(ns, t) {
					return 0, fmt.Errorf("extend %s %q: %w", ns, t, ErrUnknownLabel)
				}
			}
		}
	}

	added := 0
	for _, inst := range instances {
		fields := inst.Fields()
		names := make([]string, 0, len(fields))
		for ns := range fields {
			names = append(names, ns)
		}
		sort.Strings(names)
		for _, ns := range names {
			if v.closed[ns] || !extendable(ns) {
				continue
			}
			for _, t := range fields[ns] {
				if !v.Contains(ns, t) {
					v.AddToken(ns, t)
					added++
				}
			}
		}
	}
	return added, nil
}

// #endregion
