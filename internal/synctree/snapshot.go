package synctree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"nativebridge/internal/jsoncodec"
)

var jsonNull = []byte("null")

// wireSnapshot is the snapshot form sent by the native host.
type wireSnapshot struct {
	Key       *string         `json:"key"`
	Value     json.RawMessage `json:"value"`
	Exists    bool            `json:"exists"`
	ChildKeys []string        `json:"childKeys"`
	Priority  any             `json:"priority"`
}

// childEventData is the data of a child_* event.
type childEventData struct {
	Snapshot          json.RawMessage `json:"snapshot"`
	PreviousChildName *string         `json:"previousChildName"`
}

// Snapshot is an immutable view of the data at a location.
type Snapshot struct {
	ref       Ref
	key       string
	value     json.RawMessage
	exists    bool
	childKeys []string
	priority  any
}

// DecodeSnapshot builds a snapshot for ref from its wire form.
func DecodeSnapshot(ref Ref, raw json.RawMessage) (*Snapshot, error) {
	var w wireSnapshot
	if err := jsoncodec.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s := &Snapshot{
		ref:       ref,
		value:     w.Value,
		exists:    w.Exists,
		childKeys: w.ChildKeys,
		priority:  w.Priority,
	}
	if w.Key != nil {
		s.key = *w.Key
	} else if ref != nil {
		s.key = ref.Key()
	}
	if len(s.value) == 0 {
		s.value = jsonNull
	}
	return s, nil
}

// Ref returns the handle of the location.
func (s *Snapshot) Ref() Ref { return s.ref }

// Key returns the last path segment of the location, "" for the root.
func (s *Snapshot) Key() string { return s.key }

// Exists reports whether the location holds data.
func (s *Snapshot) Exists() bool { return s.exists }

// Priority returns the priority of the location, nil when unset.
func (s *Snapshot) Priority() any { return s.priority }

// Raw returns the JSON encoded value.
func (s *Snapshot) Raw() json.RawMessage { return s.value }

// Val decodes the value into v.
func (s *Snapshot) Val(v any) error {
	return jsoncodec.Unmarshal(s.value, v)
}

// Export decodes the value into generic Go values.
func (s *Snapshot) Export() any {
	var v any
	if err := jsoncodec.Unmarshal(s.value, &v); err != nil {
		return nil
	}
	return v
}

// ChildKeys returns the keys of the direct children in delivery order.
func (s *Snapshot) ChildKeys() []string {
	out := make([]string, len(s.childKeys))
	copy(out, s.childKeys)
	return out
}

// NumChildren returns the number of direct children.
func (s *Snapshot) NumChildren() int { return len(s.childKeys) }

// HasChildren reports whether the location has any children.
func (s *Snapshot) HasChildren() bool { return len(s.childKeys) > 0 }

// HasChild reports whether the relative path holds data.
func (s *Snapshot) HasChild(path string) bool {
	return s.Child(path).Exists()
}

// Child returns the snapshot of a relative path.
func (s *Snapshot) Child(path string) *Snapshot {
	parentPath := "/"
	if s.ref != nil {
		parentPath = s.ref.Path()
	}
	childPath := JoinPath(parentPath, path)

	value := s.value
	for _, segment := range Segments(path) {
		var obj map[string]json.RawMessage
		if err := jsoncodec.Unmarshal(value, &obj); err != nil || obj == nil {
			value = jsonNull
			break
		}
		next, ok := obj[segment]
		if !ok {
			value = jsonNull
			break
		}
		value = next
	}

	return &Snapshot{
		ref:       pathRef(childPath),
		key:       LastSegment(childPath),
		value:     value,
		exists:    !bytes.Equal(bytes.TrimSpace(value), jsonNull),
		childKeys: objectKeys(value),
	}
}

// ForEach calls fn for every direct child in order until fn returns true.
// It reports whether iteration was stopped.
func (s *Snapshot) ForEach(fn func(child *Snapshot) bool) bool {
	for _, key := range s.childKeys {
		if fn(s.Child(key)) {
			return true
		}
	}
	return false
}

func objectKeys(raw json.RawMessage) []string {
	var obj map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(raw, &obj); err != nil || len(obj) == 0 {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DecodeEventData decodes the data of an eventType event for ref. Child
// events carry the snapshot and the name of the previous sibling.
func DecodeEventData(ref Ref, eventType EventType, raw json.RawMessage) (*Snapshot, string, error) {
	if !eventType.IsChild() {
		snap, err := DecodeSnapshot(ref, raw)
		return snap, "", err
	}
	var data childEventData
	if err := jsoncodec.Unmarshal(raw, &data); err != nil {
		return nil, "", fmt.Errorf("decode %s data: %w", eventType, err)
	}
	snap, err := DecodeSnapshot(ref, data.Snapshot)
	if err != nil {
		return nil, "", err
	}
	previousChildName := ""
	if data.PreviousChildName != nil {
		previousChildName = *data.PreviousChildName
	}
	return snap, previousChildName, nil
}
