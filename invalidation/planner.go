// Package invalidation maps the effect of a mutation to the set of cache
// keys and patterns that must be dropped.
package invalidation

import (
	"fmt"
	"regexp"
	"strings"

	"rerum.dev/cache"
	"rerum.dev/versioning"
)

// Plan is a deterministic, monotonic invalidation instruction: dropping more
// than Plan names is always safe, dropping less is not.
//
// Fields carries the by-object rule's cross-reference field names rather
// than concrete query keys: which query:* fingerprints those names match
// depends on what each worker has itself cached (cache.Store.Set records a
// query entry's field names only in that worker's own process memory), so
// the match has to be resolved locally by every worker that applies the
// plan, not once by whichever worker happened to compute it.
type Plan struct {
	Keys     []string
	Patterns []*regexp.Regexp
	Fields   []string
}

// Apply drops every key, pattern, and by-object field match in p from
// store, returning the total number of entries removed.
func (p Plan) Apply(store *cache.Store) int {
	removed := 0
	for _, k := range p.Keys {
		if _, ok := store.Get(k); ok {
			removed++
		}
		store.Delete(k)
	}
	for _, pat := range p.Patterns {
		removed += store.Invalidate(pat)
	}
	for _, k := range store.KeysWithAnyField("query:", p.Fields) {
		store.Delete(k)
		removed++
	}
	return removed
}

var fullRegex = regexp.MustCompile(`^(query|search|searchPhrase|id|history|since):`)

// ShortID extracts the suffix after the final "/" of an @id, or returns x
// unchanged if it carries no slash (e.g. a bare _id).
func ShortID(x string) string {
	if idx := strings.LastIndex(x, "/"); idx >= 0 {
		return x[idx+1:]
	}
	return x
}

// crossReferenceFields returns the top-level field names of doc whose value
// is a string or an array of strings: the candidate cross-reference fields
// for the by-object rule.
func crossReferenceFields(doc versioning.Document) []string {
	var fields []string
	for k, v := range doc {
		switch k {
		case "__rerum", "@id", "_id", "@context", "alpha":
			continue
		}
		switch val := v.(type) {
		case string:
			fields = append(fields, k)
		case []string:
			fields = append(fields, k)
		case []interface{}:
			if allStrings(val) {
				fields = append(fields, k)
			}
		}
	}
	return fields
}

func allStrings(vs []interface{}) bool {
	for _, v := range vs {
		if _, ok := v.(string); !ok {
			return false
		}
	}
	return true
}

// ByObject implements the by-object rule: it returns the cross-reference
// field names a live query:* cache entry must have referenced in its
// originating query body to be invalidated by this mutation. Resolving
// those names against a particular worker's cache is Plan.Apply's job, not
// this function's, since only the applying worker's cache entries are the
// ones that matter to it.
func ByObject(doc versioning.Document) Plan {
	fields := crossReferenceFields(doc)
	if len(fields) == 0 {
		return Plan{}
	}
	return Plan{Fields: fields}
}

// ForCreate plans the invalidation for a freshly created object.
func ForCreate(created versioning.Document) Plan {
	return ByObject(created)
}

// ForMutation plans the invalidation for update/patch/set/unset/overwrite on
// updated, the newly-produced version of an existing object.
func ForMutation(updated versioning.Document) Plan {
	meta := updated.Meta()

	plan := Plan{}
	idShort := ShortID(updated.ID())
	plan.Keys = append(plan.Keys, "id:"+idShort)

	historyIDs := []string{idShort}
	if meta.History.Previous != "" {
		prevShort := ShortID(meta.History.Previous)
		plan.Keys = append(plan.Keys, "id:"+prevShort)
		historyIDs = append(historyIDs, prevShort)
	}
	if meta.History.Prime != "" && meta.History.Prime != "root" {
		historyIDs = append(historyIDs, ShortID(meta.History.Prime))
	}

	plan.Patterns = append(plan.Patterns, historySincePattern(historyIDs))
	plan.Fields = ByObject(updated).Fields
	return plan
}

func historySincePattern(ids []string) *regexp.Regexp {
	seen := make(map[string]struct{}, len(ids))
	quoted := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		quoted = append(quoted, regexp.QuoteMeta(id))
	}
	return regexp.MustCompile(fmt.Sprintf(`^(history|since):(%s)$`, strings.Join(quoted, "|")))
}

// ForDelete plans the invalidation for a delete, operating on the object's
// pre-delete snapshot (the full document as it was immediately before being
// rewritten to its __deleted shell).
func ForDelete(preDeleteSnapshot versioning.Document) Plan {
	return ForMutation(preDeleteSnapshot)
}

// ForRelease plans the conservative full-namespace invalidation release
// requires: a release can flip visibility for any cached query result.
func ForRelease() Plan {
	return Plan{Patterns: []*regexp.Regexp{fullRegex}}
}

// ForEffectWithoutID plans the same conservative full-namespace invalidation
// used when a mutation's effect body lacks an id to key off of.
func ForEffectWithoutID() Plan {
	return Plan{Patterns: []*regexp.Regexp{fullRegex}}
}
