package model

// Field is a single key-value pair supplied by a producer.
type Field struct {
	Key   string
	Value interface{}
}

// FieldMap is an insertion-ordered mapping from field names to values.
// Setting an existing key overwrites the value but keeps the key's
// original position, so duplicate keys resolve to last-write-wins.
type FieldMap struct {
	keys   []string
	values map[string]interface{}
}

func NewFieldMap() *FieldMap {
	return &FieldMap{
		keys:   []string{},
		values: make(map[string]interface{}),
	}
}

func (fm *FieldMap) Set(key string, value interface{}) {
	if _, found := fm.values[key]; !found {
		fm.keys = append(fm.keys, key)
	}
	fm.values[key] = value
}

func (fm *FieldMap) SetAll(fields []Field) {
	for _, field := range fields {
		fm.Set(field.Key, field.Value)
	}
}

// Merge copies every entry of other into fm in other's insertion order.
func (fm *FieldMap) Merge(other *FieldMap) {
	if other == nil {
		return
	}
	for _, key := range other.keys {
		fm.Set(key, other.values[key])
	}
}

func (fm *FieldMap) Get(key string) (interface{}, bool) {
	value, found := fm.values[key]
	return value, found
}

func (fm *FieldMap) Len() int {
	return len(fm.keys)
}

func (fm *FieldMap) Keys() []string {
	return fm.keys
}

// Range calls visit for every entry in insertion order.
func (fm *FieldMap) Range(visit func(key string, value interface{})) {
	for _, key := range fm.keys {
		visit(key, fm.values[key])
	}
}

// Clone returns a shallow copy. Nested *FieldMap values are cloned
// recursively so the copy is safe to mutate independently.
func (fm *FieldMap) Clone() *FieldMap {
	clone := NewFieldMap()
	for _, key := range fm.keys {
		if nested, ok := fm.values[key].(*FieldMap); ok {
			clone.Set(key, nested.Clone())
		} else {
			clone.Set(key, fm.values[key])
		}
	}
	return clone
}
