// Package versioning implements the VersioningEngine: the __rerum
// history/releases bookkeeping and the create/update/patch/set/unset
// rules that produce a document's next version.
package versioning

// Document is a dynamic JSON-LD object as stored by RERUM. Fields outside
// __rerum are never committed to a fixed Go schema, since callers attach
// arbitrary application data; __rerum itself is a concrete type because
// every field in it is named and manipulated throughout the engine.
type Document map[string]interface{}

// RerumMeta is the __rerum sub-map every RERUM document carries.
type RerumMeta struct {
	History       History  `json:"history"`
	Releases      Releases `json:"releases"`
	GeneratedBy   string   `json:"generatedBy"`
	CreatedAt     string   `json:"createdAt"`
	IsReleased    string   `json:"isReleased"`
	IsOverwritten string   `json:"isOverwritten"`
	APIVersion    string   `json:"APIversion"`
}

// History is the version-chain bookkeeping for one document.
type History struct {
	Prime    string   `json:"prime"`
	Previous string   `json:"previous"`
	Next     []string `json:"next"`
}

// Releases mirrors History for the "released snapshot" tree.
type Releases struct {
	Previous string   `json:"previous"`
	Next     []string `json:"next"`
	Replaces string   `json:"replaces"`
}

const apiVersion = "1.0.0"
const rerumContext = "http://rerum.io/v1/context.json"

// ID returns the document's @id, or "" if absent/not a string.
func (d Document) ID() string {
	v, _ := d["@id"].(string)
	return v
}

// Meta decodes the document's __rerum sub-map, or a zero RerumMeta if absent.
func (d Document) Meta() RerumMeta {
	raw, ok := d["__rerum"].(map[string]interface{})
	if !ok {
		return RerumMeta{}
	}
	return decodeMeta(raw)
}

func decodeMeta(raw map[string]interface{}) RerumMeta {
	var m RerumMeta
	if h, ok := raw["history"].(map[string]interface{}); ok {
		m.History.Prime, _ = h["prime"].(string)
		m.History.Previous, _ = h["previous"].(string)
		m.History.Next = toStringSlice(h["next"])
	}
	if r, ok := raw["releases"].(map[string]interface{}); ok {
		m.Releases.Previous, _ = r["previous"].(string)
		m.Releases.Next = toStringSlice(r["next"])
		m.Releases.Replaces, _ = r["replaces"].(string)
	}
	m.GeneratedBy, _ = raw["generatedBy"].(string)
	m.CreatedAt, _ = raw["createdAt"].(string)
	m.IsReleased, _ = raw["isReleased"].(string)
	m.IsOverwritten, _ = raw["isOverwritten"].(string)
	m.APIVersion, _ = raw["APIversion"].(string)
	return m
}

func toStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// setMeta writes m back into d's __rerum field.
func setMeta(d Document, m RerumMeta) {
	d["__rerum"] = map[string]interface{}{
		"history": map[string]interface{}{
			"prime":    m.History.Prime,
			"previous": m.History.Previous,
			"next":     toInterfaceSlice(m.History.Next),
		},
		"releases": map[string]interface{}{
			"previous": m.Releases.Previous,
			"next":     toInterfaceSlice(m.Releases.Next),
			"replaces": m.Releases.Replaces,
		},
		"generatedBy":   m.GeneratedBy,
		"createdAt":     m.CreatedAt,
		"isReleased":    m.IsReleased,
		"isOverwritten": m.IsOverwritten,
		"APIversion":    m.APIVersion,
		"@context":      rerumContext,
		"alpha":         true,
	}
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// IsReleased reports whether d is marked immutable.
func (d Document) IsReleased() bool {
	return d.Meta().IsReleased != ""
}

// IsDeleted reports whether d has been rewritten to its __deleted shell.
func (d Document) IsDeleted() bool {
	_, ok := d["__deleted"]
	return ok
}

// DeletedShell returns the `{"@id": X, "__deleted": {"object": <last state>}}`
// form a deleted document takes in the store.
func DeletedShell(id string, lastState Document) Document {
	return Document{
		"@id": id,
		"__deleted": map[string]interface{}{
			"object": map[string]interface{}(lastState),
		},
	}
}
