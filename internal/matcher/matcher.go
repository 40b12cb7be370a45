// Package matcher resolves raw error text to a known skill.
package matcher

import (
	"context"
	"strings"

	"github.com/jordanhubbard/mend/internal/cache"
	"github.com/jordanhubbard/mend/internal/skillstore"
	"github.com/jordanhubbard/mend/pkg/models"
)

// kindSignatures maps well-known error signatures to kinds. Checked in
// order; first hit wins.
var kindSignatures = []struct {
	needle string
	kind   models.ErrorKind
}{
	{"ModuleNotFoundError", models.ErrorKindDependencyMissing},
	{"ImportError", models.ErrorKindDependencyMissing},
	{"Cannot find module", models.ErrorKindDependencyMissing},
	{"no such file or directory", models.ErrorKindDependencyMissing},
	{"command not found", models.ErrorKindDependencyMissing},
	{"executable file not found", models.ErrorKindDependencyMissing},
	{"SyntaxError", models.ErrorKindSyntaxError},
	{"invalid syntax", models.ErrorKindSyntaxError},
	{"Unexpected token", models.ErrorKindSyntaxError},
	{"Permission denied", models.ErrorKindPermissionDenied},
	{"permission denied", models.ErrorKindPermissionDenied},
	{"EACCES", models.ErrorKindPermissionDenied},
	{"operation not permitted", models.ErrorKindPermissionDenied},
	{"context deadline exceeded", models.ErrorKindNetworkTimeout},
	{"i/o timeout", models.ErrorKindNetworkTimeout},
	{"connection refused", models.ErrorKindNetworkTimeout},
	{"connection reset", models.ErrorKindNetworkTimeout},
	{"no such host", models.ErrorKindNetworkTimeout},
	{"ETIMEDOUT", models.ErrorKindNetworkTimeout},
	{"TLS handshake timeout", models.ErrorKindNetworkTimeout},
}

// ClassifyError infers a coarse error kind from raw error text using a
// fixed signature table. Unrecognized errors classify as Custom.
func ClassifyError(errorText string) models.ErrorKind {
	for _, sig := range kindSignatures {
		if strings.Contains(errorText, sig.needle) {
			return sig.kind
		}
	}
	return models.ErrorKindCustom
}

// Matcher wraps the skill store's Find with error-kind classification and
// an optional match cache.
type Matcher struct {
	store *skillstore.Store
	cache *cache.Cache
}

// New creates a matcher. matchCache may be nil to disable caching. When a
// cache is supplied it is invalidated whenever the skill set changes.
func New(store *skillstore.Store, matchCache *cache.Cache) *Matcher {
	m := &Matcher{store: store, cache: matchCache}
	if matchCache != nil {
		store.OnChange(func() {
			matchCache.Clear(context.Background())
		})
	}
	return m
}

// Match finds the best-matching skill for errorText. Returns the entry,
// whether a match was found, and the inferred error kind. A miss is a
// valid outcome (the blind-retry path), not an error.
func (m *Matcher) Match(ctx context.Context, errorText string) (models.SkillEntry, bool, models.ErrorKind, error) {
	kind := ClassifyError(errorText)

	if m.cache != nil {
		if res, ok := m.cache.Get(ctx, errorText); ok {
			if !res.Matched {
				return models.SkillEntry{}, false, kind, nil
			}
			// Re-read the entry so counters are current.
			entry, err := m.store.Get(res.SkillID)
			if err == nil {
				return entry, true, kind, nil
			}
			// Stale cache entry; fall through to a full scan.
		}
	}

	entry, matched, err := m.store.Find(errorText)
	if err != nil {
		return models.SkillEntry{}, false, kind, err
	}

	if m.cache != nil {
		m.cache.Set(ctx, errorText, cache.Result{SkillID: entry.ID, Matched: matched})
	}

	return entry, matched, kind, nil
}
