// Package sharedtest provides test doubles and helpers that are used by the tests of multiple
// packages in this repository. It contains no test assertions of its own.
package sharedtest

import (
	"sort"
	"sync"
)

// MockPersistentStore is an in-memory implementation of subsystems.PersistentDataStore with
// error injection, for testing the store facade and anything built on it.
type MockPersistentStore struct {
	data      map[string]map[string]string
	fakeError error
	lock      sync.Mutex
}

// NewMockPersistentStore creates an empty MockPersistentStore.
func NewMockPersistentStore() *MockPersistentStore {
	return &MockPersistentStore{data: make(map[string]map[string]string)}
}

// SetFakeError makes every subsequent operation fail with the given error; nil restores normal
// behavior.
func (s *MockPersistentStore) SetFakeError(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.fakeError = err
}

func (s *MockPersistentStore) GetValue(namespace, key string) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fakeError != nil {
		return "", s.fakeError
	}
	return s.data[namespace][key], nil
}

func (s *MockPersistentStore) SetValue(namespace, key, value string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fakeError != nil {
		return s.fakeError
	}
	s.setLocked(namespace, key, value)
	return nil
}

func (s *MockPersistentStore) SetValues(namespace string, values map[string]string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fakeError != nil {
		return s.fakeError
	}
	for key, value := range values {
		s.setLocked(namespace, key, value)
	}
	return nil
}

func (s *MockPersistentStore) GetKeys(namespace string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fakeError != nil {
		return nil, s.fakeError
	}
	keys := make([]string, 0, len(s.data[namespace]))
	for key := range s.data[namespace] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MockPersistentStore) Clear(namespace string, fullyDelete bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fakeError != nil {
		return s.fakeError
	}
	delete(s.data, namespace)
	return nil
}

func (s *MockPersistentStore) setLocked(namespace, key, value string) {
	if value == "" {
		delete(s.data[namespace], key)
		return
	}
	if s.data[namespace] == nil {
		s.data[namespace] = make(map[string]string)
	}
	s.data[namespace][key] = value
}
