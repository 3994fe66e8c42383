package field

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/formsafe/dom"
)

// StableKey is the map key of a field, in staging and in persisted records.
type StableKey string

// Identity is the structural name of a field. It is one of ByID,
// ByNameAndTag or ByStructuralPath.
type Identity interface {
	// Key derives the StableKey. Equal identities give equal keys and
	// distinct identities give distinct keys.
	Key() StableKey
	kind() string
}

// ByID names a field by its id attribute.
type ByID struct {
	Value string
}

// ByNameAndTag names a field by its name attribute. Tag is upper case and
// keeps same-named controls of different kinds apart.
type ByNameAndTag struct {
	Value string
	Tag   string
}

// ByStructuralPath names a field by its position in the tree. It breaks
// when siblings are inserted or removed before it; the fingerprint is the
// fallback for that case.
type ByStructuralPath struct {
	Path dom.Path
}

func (i ByID) Key() StableKey { return StableKey("id:" + i.Value) }

func (ByID) kind() string { return "id" }

// Key renders name:<TAG>:<name>. Tag names never contain a colon, so the
// first colon after the tag ends it.
func (i ByNameAndTag) Key() StableKey {
	return StableKey("name:" + strings.ToUpper(i.Tag) + ":" + i.Value)
}

func (ByNameAndTag) kind() string { return "name" }

func (i ByStructuralPath) Key() StableKey { return StableKey("path:" + i.Path.String()) }

func (ByStructuralPath) kind() string { return "path" }

// ResolveIdentity picks the identity of el: id, then name, then path.
func ResolveIdentity(el dom.Element) Identity {
	if id, _ := el.Attr("id"); id != "" {
		return ByID{Value: id}
	}
	if name, _ := el.Attr("name"); name != "" {
		return ByNameAndTag{Value: name, Tag: strings.ToUpper(el.TagName())}
	}
	return ByStructuralPath{Path: StructuralPath(el)}
}

// StructuralPath records (tag, nth-of-type) from el up to, but excluding,
// the html root. A detached subtree yields a partial path.
func StructuralPath(el dom.Element) dom.Path {
	var rev dom.Path
	for cur := el; cur != nil; cur = cur.Parent() {
		tag := cur.TagName()
		if tag == "html" {
			break
		}
		rev = append(rev, dom.PathStep{Tag: tag, Index: cur.TypeIndex()})
	}
	p := make(dom.Path, len(rev))
	for i, s := range rev {
		p[len(rev)-1-i] = s
	}
	return p
}

type identityJSON struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

// MarshalIdentity encodes an identity as {"kind":..., "value":..., "tag":...}.
// Paths are stored in their selector form.
func MarshalIdentity(id Identity) ([]byte, error) {
	switch v := id.(type) {
	case ByID:
		return json.Marshal(identityJSON{Kind: v.kind(), Value: v.Value})
	case ByNameAndTag:
		return json.Marshal(identityJSON{Kind: v.kind(), Value: v.Value, Tag: strings.ToUpper(v.Tag)})
	case ByStructuralPath:
		return json.Marshal(identityJSON{Kind: v.kind(), Value: v.Path.String()})
	}
	return nil, fmt.Errorf("field: marshal identity: unknown type %T", id)
}

// UnmarshalIdentity decodes the output of MarshalIdentity.
func UnmarshalIdentity(data []byte) (Identity, error) {
	var raw identityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("field: unmarshal identity: %w", err)
	}
	switch raw.Kind {
	case "id":
		return ByID{Value: raw.Value}, nil
	case "name":
		return ByNameAndTag{Value: raw.Value, Tag: raw.Tag}, nil
	case "path":
		p, err := dom.ParsePath(raw.Value)
		if err != nil {
			return nil, fmt.Errorf("field: unmarshal identity: %w", err)
		}
		return ByStructuralPath{Path: p}, nil
	}
	return nil, fmt.Errorf("field: unmarshal identity: unknown kind %q", raw.Kind)
}
