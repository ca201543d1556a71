package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tags is an ordered list of non-empty tag strings.
// Legacy rows store tags either as a JSON array or as one comma-joined string;
// both shapes decode into the same list so nothing past this type branches on it.
type Tags []string

// ParseTags splits a comma-separated string into Tags.
func ParseTags(csv string) Tags {
	return NormalizeTags(strings.Split(csv, ","))
}

// NormalizeTags trims every entry and drops empty ones. Order is kept and
// duplicates are not removed.
func NormalizeTags(raw []string) Tags {
	out := make(Tags, 0, len(raw))
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// UnmarshalJSON accepts an array of strings, a comma-separated string, or null.
func (t *Tags) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*t = Tags{}
	case string:
		*t = ParseTags(v)
	case []interface{}:
		items := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("tags: unsupported element type %T", item)
			}
			items = append(items, s)
		}
		*t = NormalizeTags(items)
	default:
		return fmt.Errorf("tags: unsupported shape %T", raw)
	}
	return nil
}

// MarshalJSON always emits an array, never null.
func (t Tags) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(t))
}
