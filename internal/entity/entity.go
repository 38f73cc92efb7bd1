package entity

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cast"
)

// Kind discriminates the two attribute shapes the repository returns.
type Kind string

const (
	Simple   Kind = "SIMPLE"
	Relation Kind = "RELATION"
)

// modifiedAtAttribute carries the remote side last-modified timestamp in
// epoch milliseconds.
const modifiedAtAttribute = "DATE_OF_LAST_CHANGE"

// TargetStub is a relationship endpoint embedded inside a RELATION
// attribute. It lets callers recover links already present in a parent
// entity without a separate relationship fetch.
type TargetStub struct {
	Id       string `json:"id"`
	MetaName string `json:"metaName"`
	Name     string `json:"name"`
}

type Attribute struct {
	MetaName string       `json:"metaName"`
	Kind     Kind         `json:"attrType"`
	Value    interface{}  `json:"value,omitempty"`
	Targets  []TargetStub `json:"targets,omitempty"`
}

func (a Attribute) IsRelation() bool {
	return a.Kind == Relation
}

// Entity is one immutable snapshot of a modeled architecture object.
// Raw holds the payload bytes exactly as the repository returned them;
// the cache persists those verbatim.
type Entity struct {
	Id         string          `json:"id"`
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Attributes []Attribute     `json:"attributes"`
	Raw        json.RawMessage `json:"-"`
}

// Relationship is a directed, typed edge fetched explicitly from the
// relations endpoint.
type Relationship struct {
	Id           string          `json:"id"`
	FromId       string          `json:"fromId"`
	ToId         string          `json:"toId"`
	RelationType string          `json:"relationType"`
	Raw          json.RawMessage `json:"-"`
}

// NormalizeId strips the enclosing delimiter braces the repository puts
// around identifiers. The API returns ids with braces but does not accept
// them back in paths.
func NormalizeId(id string) string {
	return strings.Trim(id, "{}")
}

func Parse(data []byte) (*Entity, error) {
	e := &Entity{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	e.Id = NormalizeId(e.Id)
	e.Raw = data
	return e, nil
}

func ParseRelationship(data []byte) (*Relationship, error) {
	r := &Relationship{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	r.Id = NormalizeId(r.Id)
	r.FromId = NormalizeId(r.FromId)
	r.ToId = NormalizeId(r.ToId)
	r.Raw = data
	return r, nil
}

// ModifiedAt extracts the remote modification timestamp in epoch
// milliseconds, or nil when the entity does not carry one.
func (e *Entity) ModifiedAt() *int64 {
	for _, attr := range e.Attributes {
		if attr.MetaName == modifiedAtAttribute {
			if ms, err := cast.ToInt64E(attr.Value); err == nil && ms != 0 {
				return &ms
			}
			return nil
		}
	}
	return nil
}

// RelationTargets collects the embedded endpoints of the named RELATION
// attribute, ids normalized.
func (e *Entity) RelationTargets(metaName string) []TargetStub {
	for _, attr := range e.Attributes {
		if attr.MetaName == metaName && attr.IsRelation() {
			targets := make([]TargetStub, len(attr.Targets))
			for i, t := range attr.Targets {
				t.Id = NormalizeId(t.Id)
				targets[i] = t
			}
			return targets
		}
	}
	return nil
}
