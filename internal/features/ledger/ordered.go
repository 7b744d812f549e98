package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// orderedMap — JSON-объект, который помнит порядок вставки ключей.
// Порядок сохраняется при загрузке и записи: по нему разрешаются
// ничьи в лидерборде.
type orderedMap[V any] struct {
	keys   []string
	values map[string]V
}

func newOrderedMap[V any]() *orderedMap[V] {
	return &orderedMap[V]{values: make(map[string]V)}
}

func (m *orderedMap[V]) Get(key string) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set обновляет значение; новый ключ уходит в конец.
func (m *orderedMap[V]) Set(key string, v V) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Delete используется только для отката свежевставленного ключа,
// поэтому ищем с конца.
func (m *orderedMap[V]) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i := len(m.keys) - 1; i >= 0; i-- {
		if m.keys[i] == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *orderedMap[V]) Len() int { return len(m.keys) }

// Keys возвращает копию ключей в порядке вставки.
func (m *orderedMap[V]) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *orderedMap[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, k, m.values[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *orderedMap[V]) UnmarshalJSON(b []byte) error {
	fresh := newOrderedMap[V]()
	err := decodeObject(b, func(key string, dec *json.Decoder) error {
		var v V
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("ключ %q: %w", key, err)
		}
		fresh.Set(key, v)
		return nil
	})
	if err != nil {
		return err
	}
	*m = *fresh
	return nil
}

func writeMember(buf *bytes.Buffer, key string, v any) error {
	kb, err := json.Marshal(key)
	if err != nil {
		return err
	}
	vb, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(kb)
	buf.WriteByte(':')
	buf.Write(vb)
	return nil
}

// decodeObject проходит по членам JSON-объекта в порядке следования,
// отдавая значение каждого ключа в fn через декодер.
func decodeObject(b []byte, fn func(key string, dec *json.Decoder) error) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("ожидался JSON-объект, получено %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("ожидался ключ, получено %v", tok)
		}
		if err := fn(key, dec); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// inviteDoc — документ invites: счётчики по пригласившим плюс
// зарезервированный под-объект relationships (invitee → inviter).
type inviteDoc struct {
	counts        *orderedMap[int64]
	relationships *orderedMap[string]
}

func newInviteDoc() *inviteDoc {
	return &inviteDoc{
		counts:        newOrderedMap[int64](),
		relationships: newOrderedMap[string](),
	}
}

func (d *inviteDoc) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.counts.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, k, d.counts.values[k]); err != nil {
			return nil, err
		}
	}
	if d.relationships.Len() > 0 {
		if d.counts.Len() > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, RelationshipsKey, d.relationships); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *inviteDoc) UnmarshalJSON(b []byte) error {
	fresh := newInviteDoc()
	err := decodeObject(b, func(key string, dec *json.Decoder) error {
		if key == RelationshipsKey {
			return dec.Decode(fresh.relationships)
		}
		var n int64
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("ключ %q: %w", key, err)
		}
		fresh.counts.Set(key, n)
		return nil
	})
	if err != nil {
		return err
	}
	*d = *fresh
	return nil
}
