// Package hypermedia is a small Siren client used to walk the Fab Lab
// gateway: fetch the root entity, pick machine links, follow them and read
// the properties of the embedded machine entities.
package hypermedia

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"
)

// Link is a Siren navigational link.
type Link struct {
	Rel   []string `json:"rel"`
	Href  string   `json:"href"`
	Title string   `json:"title,omitempty"`
	Class []string `json:"class,omitempty"`
	Type  string   `json:"type,omitempty"`
}

// Entity is a Siren entity. Sub-entities may be embedded representations
// (with properties) or embedded links (with href only).
type Entity struct {
	Class      []string       `json:"class,omitempty"`
	Rel        []string       `json:"rel,omitempty"`
	Href       string         `json:"href,omitempty"`
	Title      string         `json:"title,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Entities   []Entity       `json:"entities,omitempty"`
	Links      []Link         `json:"links,omitempty"`
}

// MachineLinks returns the links that point at machine hosting servers:
// any link whose title contains "machine".
func (e *Entity) MachineLinks() []Link {
	var out []Link
	for _, l := range e.Links {
		if strings.Contains(strings.ToLower(l.Title), "machine") {
			out = append(out, l)
		}
	}
	return out
}

// LinkByRel returns the first link carrying rel.
func (e *Entity) LinkByRel(rel string) (Link, bool) {
	for _, l := range e.Links {
		if slices.Contains(l.Rel, rel) {
			return l, true
		}
	}
	return Link{}, false
}

// Property returns the property rendered as a string. Numbers and booleans
// are formatted; nested values and absent keys yield ok=false.
func (e *Entity) Property(key string) (string, bool) {
	v, ok := e.Properties[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// StringProperties returns every scalar property rendered as a string.
func (e *Entity) StringProperties() map[string]string {
	out := make(map[string]string, len(e.Properties))
	for k := range e.Properties {
		if v, ok := e.Property(k); ok {
			out[k] = v
		}
	}
	return out
}
