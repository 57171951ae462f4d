// Package keystore 保存每个已配对设备的对称密钥。同步引擎只读取，写入来自显式的配对操作。
package keystore

import (
	"context"
	"errors"
	"sort"
	"sync"
)

const KeySize = 32

var ErrInvalidKey = errors.New("keystore: key must be 32 bytes")

// Store 设备密钥存储
type Store interface {
	// Load 设备未配对时返回 ok=false 且 err=nil
	Load(ctx context.Context, deviceID string) (key []byte, ok bool, err error)
	Save(ctx context.Context, deviceID string, key []byte) error
	Delete(ctx context.Context, deviceID string) error
	DeviceIDs(ctx context.Context) ([]string, error)
}

// MemoryStore 进程内实现，中继的密钥登记表与测试使用
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, deviceID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[deviceID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), k...), true, nil
}

func (m *MemoryStore) Save(_ context.Context, deviceID string, key []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKey
	}
	m.mu.Lock()
	m.keys[deviceID] = append([]byte(nil), key...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	delete(m.keys, deviceID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeviceIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.keys))
	for id := range m.keys {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}
