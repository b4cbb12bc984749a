package session

import "github.com/bobs4462/validator-offload/internal/types"

// SubscriptionsMap tracks one session's account and program
// subscriptions in both directions: by key to resolve the subscription
// id when a notification arrives, and by id to serve unsubscribe
// requests.
//
// Not safe for concurrent use. Each session owns one and touches it
// only from its run loop.
type SubscriptionsMap struct {
	key2id map[types.SubKey]types.SubID
	id2key map[types.SubID]types.SubKey
}

func NewSubscriptionsMap() *SubscriptionsMap {
	return &SubscriptionsMap{
		key2id: make(map[types.SubKey]types.SubID),
		id2key: make(map[types.SubID]types.SubKey),
	}
}

// Insert records a subscription under both the key and the id.
func (m *SubscriptionsMap) Insert(key types.SubKey, id types.SubID) {
	m.key2id[key] = id
	m.id2key[id] = key
}

// GetByKey returns the id assigned to key, if any.
func (m *SubscriptionsMap) GetByKey(key types.SubKey) (types.SubID, bool) {
	id, ok := m.key2id[key]
	return id, ok
}

// RemoveByID drops the subscription with the given id and returns the
// key it was registered under.
func (m *SubscriptionsMap) RemoveByID(id types.SubID) (types.SubKey, bool) {
	key, ok := m.id2key[id]
	if !ok {
		return types.SubKey{}, false
	}
	delete(m.id2key, id)
	delete(m.key2id, key)
	return key, true
}

func (m *SubscriptionsMap) Len() int { return len(m.key2id) }

// Drain returns every tracked subscription keyed by subscription key
// and leaves the map empty.
func (m *SubscriptionsMap) Drain() map[types.SubKey]types.SubID {
	out := m.key2id
	m.key2id = make(map[types.SubKey]types.SubID)
	m.id2key = make(map[types.SubID]types.SubKey)
	return out
}
