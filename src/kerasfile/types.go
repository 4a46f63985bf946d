package kerasfile

// OrderedDict keeps keys in insertion order, so tensors are listed in file order.
type OrderedDict[T any] struct {
	keys  []string
	items map[string]T
}

func NewOrderedDict[T any]() *OrderedDict[T] {
	return &OrderedDict[T]{
		items: make(map[string]T),
	}
}

func (od *OrderedDict[T]) Get(key string) (T, bool) {
	val, ok := od.items[key]
	return val, ok
}

func (od *OrderedDict[T]) Set(key string, val T) {
	if _, ok := od.items[key]; ok {
		for i, existingKey := range od.keys {
			if existingKey == key {
				od.keys = append(od.keys[:i], od.keys[i+1:]...)
				break
			}
		}
	}
	od.keys = append(od.keys, key)
	od.items[key] = val
}

func (od *OrderedDict[T]) GetKeys() []string {
	return od.keys
}

func (od *OrderedDict[T]) Len() int {
	return len(od.keys)
}

// Metadata mirrors metadata.json of a saved model.
type Metadata struct {
	KerasVersion string `json:"keras_version"`
	DateSaved    string `json:"date_saved"`
}
