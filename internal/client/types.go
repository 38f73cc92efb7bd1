package client

import "encoding/json"

// SearchResult mirrors the list/search envelope of the repository API.
// RangeEnd is exclusive.
type SearchResult struct {
	Items      []json.RawMessage `json:"items"`
	HitsTotal  int               `json:"hitsTotal"`
	RangeStart int               `json:"rangeStart"`
	RangeEnd   int               `json:"rangeEnd"`
}

type relationsEnvelope struct {
	Relations []json.RawMessage `json:"relations"`
}

// Filter is one element of the search filter document. A class filter
// sets ClassName, an attribute filter sets AttrName/Value/Op.
type Filter struct {
	ClassName []string `json:"className,omitempty"`
	AttrName  string   `json:"attrName,omitempty"`
	Value     string   `json:"value,omitempty"`
	Op        string   `json:"op,omitempty"`
}

type filterDocument struct {
	Filters []Filter `json:"filters"`
}

// QueryDocument renders filters as the single atomic "query" parameter
// value the search endpoint expects.
func QueryDocument(filters []Filter) (string, error) {
	doc, err := json.Marshal(filterDocument{Filters: filters})
	if err != nil {
		return "", err
	}
	return string(doc), nil
}

type DisplayName struct {
	Lang  string `json:"lang,omitempty"`
	Value string `json:"value"`
}

type MetamodelClass struct {
	Id           string        `json:"id"`
	MetaName     string        `json:"metaName"`
	DisplayNames []DisplayName `json:"displayNames,omitempty"`
}

type MetamodelRelation struct {
	Id           string        `json:"id"`
	MetaName     string        `json:"metaName"`
	DisplayNames []DisplayName `json:"displayNames,omitempty"`
}

type Metamodel struct {
	Classes   []MetamodelClass    `json:"classes"`
	Relations []MetamodelRelation `json:"relations"`
}

type Repo struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type reposEnvelope struct {
	Repos []Repo `json:"repos"`
}
