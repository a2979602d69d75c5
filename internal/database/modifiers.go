package database

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Modifier kinds.
const (
	modifierOrderBy = "orderBy"
	modifierLimit   = "limit"
	modifierFilter  = "filter"
)

var (
	ErrMultipleOrderBy    = errors.New("database: orderBy was already set")
	ErrLimitAlreadySet    = errors.New("database: limit was already set")
	ErrStartAlreadySet    = errors.New("database: starting point was already set")
	ErrEndAlreadySet      = errors.New("database: ending point was already set")
	ErrInvalidLimit       = errors.New("database: limit must be a positive integer")
	ErrEmptyOrderByChild  = errors.New("database: orderByChild path cannot be empty, use OrderByValue")
	ErrInvalidFilterValue = errors.New("database: filter value must be a number, string, boolean or nil")
	ErrKeyOrderedFilter   = errors.New("database: when ordering by key, filters take a string value and no key")
	ErrPriorityFilter     = errors.New("database: when ordering by priority, filters take a nil, number or string value")
)

// Modifier is one query constraint in the form the native query module reads.
type Modifier struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Key       string `json:"key,omitempty"`
	Value     any    `json:"value"`
	ValueType string `json:"valueType,omitempty"`
	ViewFrom  string `json:"viewFrom,omitempty"`
}

// Modifiers is an immutable list of query constraints.
type Modifiers struct {
	list    []Modifier
	orderBy *Modifier
	limit   *Modifier
	startAt *Modifier
	endAt   *Modifier
}

func (m Modifiers) with(mod Modifier) Modifiers {
	out := Modifiers{
		list:    make([]Modifier, len(m.list), len(m.list)+1),
		orderBy: m.orderBy,
		limit:   m.limit,
		startAt: m.startAt,
		endAt:   m.endAt,
	}
	copy(out.list, m.list)
	out.list = append(out.list, mod)
	added := &out.list[len(out.list)-1]
	switch {
	case mod.Type == modifierOrderBy:
		out.orderBy = added
	case mod.Type == modifierLimit:
		out.limit = added
	case mod.Name == "startAt":
		out.startAt = added
	case mod.Name == "endAt":
		out.endAt = added
	}
	return out
}

// List returns the modifiers in the order they were applied.
func (m Modifiers) List() []Modifier {
	out := make([]Modifier, len(m.list))
	copy(out, m.list)
	return out
}

// Len returns the number of modifiers.
func (m Modifiers) Len() int { return len(m.list) }

// String renders the modifiers independently of the order they were applied in.
func (m Modifiers) String() string {
	ids := make([]string, len(m.list))
	for i, mod := range m.list {
		ids[i] = mod.ID
	}
	sort.Strings(ids)
	return "{" + strings.Join(ids, ",") + "}"
}

func (m Modifiers) orderByChild(path string) (Modifiers, error) {
	if m.orderBy != nil {
		return m, ErrMultipleOrderBy
	}
	if strings.Trim(path, "/") == "" {
		return m, ErrEmptyOrderByChild
	}
	return m.validated(m.with(Modifier{
		ID:   "order-orderByChild:" + path,
		Type: modifierOrderBy,
		Name: "orderByChild",
		Key:  path,
	}))
}

func (m Modifiers) orderByName(name string) (Modifiers, error) {
	if m.orderBy != nil {
		return m, ErrMultipleOrderBy
	}
	return m.validated(m.with(Modifier{
		ID:   "order-" + name,
		Type: modifierOrderBy,
		Name: name,
	}))
}

func (m Modifiers) limitTo(name string, limit int, viewFrom string) (Modifiers, error) {
	if m.limit != nil {
		return m, ErrLimitAlreadySet
	}
	if limit <= 0 {
		return m, ErrInvalidLimit
	}
	return m.with(Modifier{
		ID:       fmt.Sprintf("limit-%s:%d", name, limit),
		Type:     modifierLimit,
		Name:     name,
		Value:    limit,
		ViewFrom: viewFrom,
	}), nil
}

func (m Modifiers) filter(name string, value any, key string) (Modifiers, error) {
	if name == "startAt" && m.startAt != nil {
		return m, ErrStartAlreadySet
	}
	if name == "endAt" && m.endAt != nil {
		return m, ErrEndAlreadySet
	}
	valueType, ok := filterValueType(value)
	if !ok {
		return m, ErrInvalidFilterValue
	}
	return m.validated(m.with(Modifier{
		ID:        fmt.Sprintf("filter-%s:%s:%s", name, filterValueString(value), key),
		Type:      modifierFilter,
		Name:      name,
		Key:       key,
		Value:     value,
		ValueType: valueType,
	}))
}

// validated returns next when its filters are compatible with its ordering,
// and m with the error otherwise.
func (m Modifiers) validated(next Modifiers) (Modifiers, error) {
	if next.orderBy == nil {
		return next, nil
	}
	filters := []*Modifier{next.startAt, next.endAt}
	switch next.orderBy.Name {
	case "orderByKey":
		for _, f := range filters {
			if f != nil && (f.Key != "" || f.ValueType != "string") {
				return m, ErrKeyOrderedFilter
			}
		}
	case "orderByPriority":
		for _, f := range filters {
			if f != nil && f.ValueType == "boolean" {
				return m, ErrPriorityFilter
			}
		}
	}
	return next, nil
}

func filterValueType(v any) (string, bool) {
	switch v.(type) {
	case nil:
		return "null", true
	case string:
		return "string", true
	case bool:
		return "boolean", true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return "number", true
	}
	return "", false
}

func filterValueString(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprint(v)
}
