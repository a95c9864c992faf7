package target

import orderedmap "github.com/wk8/go-ordered-map/v2"

// keyOrder is an insertion-ordered set of keys with constant time removal,
// so excluding every member of a large scope stays linear.
type keyOrder struct {
	keys *orderedmap.OrderedMap[string, struct{}]
}

// add appends key unless it is already present.
func (o *keyOrder) add(key string) {
	if o.keys == nil {
		o.keys = orderedmap.New[string, struct{}]()
	}
	o.keys.Set(key, struct{}{})
}

// remove drops key, if present. A removed key added again goes last.
func (o *keyOrder) remove(key string) {
	if o.keys != nil {
		o.keys.Delete(key)
	}
}

func (o *keyOrder) len() int {
	if o.keys == nil {
		return 0
	}
	return o.keys.Len()
}

// list returns the keys in insertion order.
func (o *keyOrder) list() []string {
	out := make([]string, 0, o.len())
	if o.keys == nil {
		return out
	}
	for pair := o.keys.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}
