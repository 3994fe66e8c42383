package field

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/hazyhaar/formsafe/dom"
)

// PageKey identifies the record of one page: origin, path and query. The
// fragment is never part of it.
type PageKey string

// PageKeyOf derives the PageKey of a document URL.
func PageKeyOf(rawURL string) (PageKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("field: page key: %w", err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("field: page key: %q has no scheme", rawURL)
	}
	k := u.Scheme + "://" + u.Host + u.EscapedPath()
	if u.RawQuery != "" {
		k += "?" + u.RawQuery
	}
	return PageKey(k), nil
}

// Record is the saved state of one field.
type Record struct {
	Identity    Identity
	Tag         string
	Subtype     string
	Value       Value
	Fingerprint Fingerprint
}

// Key is the StableKey of the record's identity.
func (r Record) Key() StableKey { return r.Identity.Key() }

// Capture reads el into a Record.
func Capture(doc dom.Document, el dom.Element) Record {
	return Record{
		Identity:    ResolveIdentity(el),
		Tag:         el.TagName(),
		Subtype:     Subtype(el),
		Value:       ReadValue(el),
		Fingerprint: BuildFingerprint(doc, el),
	}
}

type recordJSON struct {
	Identity    json.RawMessage `json:"identity"`
	Tag         string          `json:"tag"`
	Subtype     string          `json:"subtype"`
	Value       json.RawMessage `json:"value"`
	Fingerprint Fingerprint     `json:"fingerprint"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	id, err := MarshalIdentity(r.Identity)
	if err != nil {
		return nil, err
	}
	v, err := MarshalValue(r.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordJSON{Identity: id, Tag: r.Tag, Subtype: r.Subtype, Value: v, Fingerprint: r.Fingerprint})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("field: unmarshal record: %w", err)
	}
	id, err := UnmarshalIdentity(raw.Identity)
	if err != nil {
		return err
	}
	v, err := UnmarshalValue(raw.Value)
	if err != nil {
		return err
	}
	*r = Record{Identity: id, Tag: raw.Tag, Subtype: raw.Subtype, Value: v, Fingerprint: raw.Fingerprint}
	return nil
}

// PageRecord is everything saved for one page.
type PageRecord struct {
	UpdatedAt time.Time            `json:"updated_at"`
	URL       string               `json:"url"`
	Fields    map[StableKey]Record `json:"fields"`
}

// NewPageRecord returns an empty record for url.
func NewPageRecord(url string) *PageRecord {
	return &PageRecord{URL: url, Fields: make(map[StableKey]Record)}
}

// Merge overwrites the fields of p with recs, keyed by each record's
// identity, and bumps UpdatedAt.
func (p *PageRecord) Merge(recs []Record, url string, now time.Time) {
	if p.Fields == nil {
		p.Fields = make(map[StableKey]Record, len(recs))
	}
	for _, r := range recs {
		p.Fields[r.Key()] = r
	}
	if url != "" {
		p.URL = url
	}
	p.UpdatedAt = now
}

// Normalize re-keys every field whose map key diverges from its identity
// and reports how many were moved.
func (p *PageRecord) Normalize() int {
	moved := 0
	for k, r := range p.Fields {
		if r.Identity == nil {
			delete(p.Fields, k)
			moved++
			continue
		}
		if want := r.Key(); want != k {
			delete(p.Fields, k)
			p.Fields[want] = r
			moved++
		}
	}
	return moved
}
