package versioning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rerum.dev/internal/apierr"
)

// Engine runs the __rerum bookkeeping rules given a caller Agent, an
// incoming document body, and (for updates) the existing document.
type Engine struct {
	idPrefix string
}

// New returns an Engine that mints @id values under idPrefix (RERUM_ID_PREFIX).
func New(idPrefix string) *Engine {
	return &Engine{idPrefix: strings.TrimRight(idPrefix, "/") + "/"}
}

// ParentNext describes the single-field modification the engine requires on
// a non-released ancestor: append the new version's @id to its
// __rerum.history.next. The store applies this separately from inserting
// the new document.
type ParentNext struct {
	ParentID string
	ChildID  string
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05")
}

func shortID(id string) string {
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// Create mints a fresh root document for agent from body.
func (e *Engine) Create(agent string, body Document) Document {
	doc := cloneShallow(body)
	id := e.idPrefix + uuid.NewString()
	doc["@id"] = id
	doc["_id"] = shortID(id)
	setMeta(doc, RerumMeta{
		History:     History{Prime: "root", Previous: "", Next: []string{}},
		Releases:    Releases{},
		GeneratedBy: agent,
		CreatedAt:   nowISO(),
		APIVersion:  apiVersion,
	})
	return doc
}

// ImportExternal treats an update whose @id was not found in the store as a
// fresh root, recording the external @id as history.previous for
// provenance only; it is never dereferenced.
func (e *Engine) ImportExternal(agent string, body Document, externalID string) Document {
	doc := e.Create(agent, body)
	meta := doc.Meta()
	meta.History.Previous = externalID
	setMeta(doc, meta)
	return doc
}

// Authorize checks write authorization: 404 if the document is already a
// __deleted shell (which carries no generatedBy to check the caller
// against), else 401 if the caller isn't permitted to mutate the document
// (per the caller-supplied authorized predicate, typically
// agent.Extractor.IsAuthorizedAgent), else 403 if released.
func Authorize(agent string, existing Document, authorized bool) error {
	if existing.IsDeleted() {
		return fmt.Errorf("%w: object you are trying to update was deleted", apierr.ErrNotFound)
	}
	if !authorized {
		return fmt.Errorf("%w: agent %q is not the generator of this object", apierr.ErrUnauthenticated, agent)
	}
	if existing.IsReleased() {
		return fmt.Errorf("%w: object you are trying to update is released", apierr.ErrForbidden)
	}
	return nil
}

// Update produces the next version of existing for agent, plus the
// ParentNext describing how existing's history.next must be extended. The
// caller must run Authorize(agent, existing, authorized) first.
func (e *Engine) Update(agent string, body Document, existing Document) (Document, ParentNext) {
	doc := cloneShallow(body)
	existingMeta := existing.Meta()

	id := e.idPrefix + uuid.NewString()
	doc["@id"] = id
	doc["_id"] = shortID(id)

	prime := existingMeta.History.Prime
	if prime == "root" {
		prime = existing.ID()
	}

	setMeta(doc, RerumMeta{
		History:     History{Prime: prime, Previous: existing.ID(), Next: []string{}},
		Releases:    Releases{},
		GeneratedBy: agent,
		CreatedAt:   nowISO(),
		APIVersion:  apiVersion,
	})

	return doc, ParentNext{ParentID: existing.ID(), ChildID: id}
}

// MergeKind selects the field-merge semantics for Patch/Set/Unset.
type MergeKind int

const (
	// MergePatch replaces values of keys already present on existing.
	MergePatch MergeKind = iota
	// MergeSet adds keys absent on existing; present keys are untouched.
	MergeSet
	// MergeUnset removes keys whose body value is null.
	MergeUnset
)

// Merge applies one of the patch/set/unset semantics to existing using the
// fields present in body, returning the merged document. It does not mint a
// new version; call Update on the result to do that.
func Merge(kind MergeKind, existing, body Document) Document {
	merged := cloneShallow(existing)
	delete(merged, "__rerum")

	for k, v := range body {
		if k == "@id" || k == "_id" || k == "__rerum" {
			continue
		}
		switch kind {
		case MergePatch:
			if _, present := existing[k]; present {
				merged[k] = v
			}
		case MergeSet:
			if _, present := existing[k]; !present {
				merged[k] = v
			}
		case MergeUnset:
			if v == nil {
				delete(merged, k)
			}
		}
	}
	return merged
}

// SameContent reports whether two documents are byte-equal once __rerum,
// @id and _id are excluded, used to decide the 304-no-diff response for
// overwrite/patch/update.
func SameContent(a, b Document) bool {
	return canonicalWithoutMeta(a) == canonicalWithoutMeta(b)
}

func canonicalWithoutMeta(d Document) string {
	stripped := cloneShallow(d)
	delete(stripped, "__rerum")
	delete(stripped, "@id")
	delete(stripped, "_id")
	raw, _ := json.Marshal(stripped)
	var buf bytes.Buffer
	json.Indent(&buf, raw, "", "")
	return buf.String()
}

// Overwrite replaces existing's content in place, preserving __rerum
// untouched except isOverwritten, and skipping history entirely.
func (e *Engine) Overwrite(body Document, existing Document) Document {
	doc := cloneShallow(body)
	doc["@id"] = existing.ID()
	doc["_id"] = existing["_id"]
	meta := existing.Meta()
	meta.IsOverwritten = nowISO()
	setMeta(doc, meta)
	return doc
}

// Release marks existing immutable.
func (e *Engine) Release(existing Document) Document {
	doc := cloneShallow(existing)
	meta := existing.Meta()
	meta.IsReleased = nowISO()
	setMeta(doc, meta)
	return doc
}

// Delete rewrites existing into its addressable __deleted shell.
func (e *Engine) Delete(existing Document) Document {
	return DeletedShell(existing.ID(), existing)
}

func cloneShallow(d Document) Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
