// Package fingerprint derives stable, namespaced cache keys from the shape
// of a cacheable request.
package fingerprint

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Namespace identifies the kind of read a fingerprint was computed for.
type Namespace string

const (
	NSQuery        Namespace = "query"
	NSSearch       Namespace = "search"
	NSSearchPhrase Namespace = "searchPhrase"
	NSID           Namespace = "id"
	NSHistory      Namespace = "history"
	NSSince        Namespace = "since"
	NSGogFragments Namespace = "gog-fragments"
	NSGogGlosses   Namespace = "gog-glosses"
)

// QueryShape is the canonical input to a query/search/searchPhrase fingerprint.
type QueryShape struct {
	Body    map[string]interface{} `json:"body"`
	Limit   int                    `json:"limit"`
	Skip    int                    `json:"skip"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// DefaultQueryShape fills in the standard defaults: limit=100, skip=0, and
// for phrase search options.slop=2.
func DefaultQueryShape(body map[string]interface{}, limit, skip int, options map[string]interface{}, phrase bool) QueryShape {
	if limit == 0 {
		limit = 100
	}
	if phrase {
		if options == nil {
			options = map[string]interface{}{}
		}
		if _, ok := options["slop"]; !ok {
			options["slop"] = 2
		}
	}
	return QueryShape{Body: body, Limit: limit, Skip: skip, Options: options}
}

// Query computes the fingerprint for a query/search/searchPhrase read.
func Query(ns Namespace, shape QueryShape) (string, error) {
	canon, err := canonicalize(shape)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize query shape: %w", err)
	}
	return format(ns, canon), nil
}

// Suffix computes the fingerprint for an id/history/since read, keyed by the
// bare _id suffix of the target document. The suffix is used as is, not
// hashed, so these keys are the "<ns>:<_id>" form the invalidation planner
// names and matches directly.
func Suffix(ns Namespace, id string) string {
	return string(ns) + ":" + id
}

func format(ns Namespace, canonical []byte) string {
	sum := xxhash.Sum64(canonical)
	return fmt.Sprintf("%s:%x", ns, sum)
}

// canonicalize produces a byte-for-byte stable encoding of v: maps are
// re-marshaled with sorted keys so that equivalent request bodies always
// hash identically regardless of the order their keys arrived in.
func canonicalize(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize round-trips v (a decoded JSON value or a struct that marshals to
// one) through JSON, so every map, nested ones included, comes back as a
// map[string]interface{}, which json.Marshal always emits with sorted keys.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

