package datastore

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldtime"

	"github.com/launchdarkly/go-client-sdk/interfaces"
	"github.com/launchdarkly/go-client-sdk/subsystems"
)

const (
	// globalNamespace holds data that is shared by all environments, such as generated keys
	// for anonymous contexts.
	globalNamespace = "LaunchDarkly"

	// environmentNamespacePrefix plus the hashed mobile key is the namespace for one
	// environment's data.
	environmentNamespacePrefix = "LaunchDarkly_"

	flagsKeyPrefix       = "flags_"
	indexKey             = "index"
	lastSuccessTimeKey   = "lastSuccessfulConnection"
	lastFailedTimeKey    = "lastFailedConnection"
	lastFailureKey       = "lastFailure"
	anonContextKeyPrefix = "anonKey_"
)

// PersistentStoreWrapper mediates all access to the application-provided PersistentDataStore
// for one environment. It owns the namespace and key scheme, serializes store operations, and
// contains all store errors: every read degrades to "no data" and every write to a no-op, so
// callers never see an error from this type. The first store error is logged at error level;
// later ones only at debug level, to avoid spamming the log when storage is persistently
// broken.
type PersistentStoreWrapper struct {
	store         subsystems.PersistentDataStore
	envNamespace  string
	generatedKeys map[ldcontext.Kind]string
	loggers       ldlog.Loggers
	loggedError   int32 // atomic
	lock          sync.Mutex
}

// NewPersistentStoreWrapper creates a wrapper for one environment, identified by its mobile
// key. A nil store is allowed and makes every operation a no-op.
func NewPersistentStoreWrapper(
	store subsystems.PersistentDataStore,
	mobileKey string,
	loggers ldlog.Loggers,
) *PersistentStoreWrapper {
	return &PersistentStoreWrapper{
		store:         store,
		envNamespace:  environmentNamespacePrefix + HashForMobileKey(mobileKey),
		generatedKeys: make(map[ldcontext.Kind]string),
		loggers:       loggers,
	}
}

// GetContextData returns the stored flag data for a context, or (zero value, false) if there is
// none or it could not be read.
func (w *PersistentStoreWrapper) GetContextData(contextID string) (subsystems.EnvironmentData, bool) {
	serialized := w.getValue(w.envNamespace, flagsKeyPrefix+contextID)
	if serialized == "" {
		return subsystems.EnvironmentData{}, false
	}
	data, err := subsystems.ParseEnvironmentData([]byte(serialized))
	if err != nil {
		w.loggers.Warnf("Discarding cached flag data that could not be parsed: %s", err)
		return subsystems.EnvironmentData{}, false
	}
	return data, true
}

// SetContextData writes a context's flag data.
func (w *PersistentStoreWrapper) SetContextData(contextID string, data subsystems.EnvironmentData) {
	serialized, err := data.ToJSON()
	if err != nil {
		return
	}
	w.setValue(w.envNamespace, flagsKeyPrefix+contextID, string(serialized))
}

// RemoveContextData deletes a context's flag data, if any.
func (w *PersistentStoreWrapper) RemoveContextData(contextID string) {
	w.setValue(w.envNamespace, flagsKeyPrefix+contextID, "")
}

// SetIndex writes the context index.
func (w *PersistentStoreWrapper) SetIndex(index ContextIndex) {
	w.setValue(w.envNamespace, indexKey, string(index.Serialize()))
}

// GetIndex returns the stored context index, or an empty index if there is none or it could not
// be parsed.
func (w *PersistentStoreWrapper) GetIndex() ContextIndex {
	serialized := w.getValue(w.envNamespace, indexKey)
	if serialized == "" {
		return NewContextIndex()
	}
	index, err := ParseContextIndex([]byte(serialized))
	if err != nil {
		w.loggers.Warnf("Discarding cached context index that could not be parsed: %s", err)
		return NewContextIndex()
	}
	return index
}

// GetLastSuccessfulConnection returns the persisted time of the last successful connection, or
// zero if none is recorded.
func (w *PersistentStoreWrapper) GetLastSuccessfulConnection() ldtime.UnixMillisecondTime {
	return w.getTime(lastSuccessTimeKey)
}

// SetLastSuccessfulConnection persists the time of the last successful connection.
func (w *PersistentStoreWrapper) SetLastSuccessfulConnection(t ldtime.UnixMillisecondTime) {
	w.setValue(w.envNamespace, lastSuccessTimeKey, strconv.FormatUint(uint64(t), 10))
}

// GetLastFailedConnection returns the persisted time of the last failed connection attempt, or
// zero if none is recorded.
func (w *PersistentStoreWrapper) GetLastFailedConnection() ldtime.UnixMillisecondTime {
	return w.getTime(lastFailedTimeKey)
}

// SetLastFailedConnection persists the time of the last failed connection attempt.
func (w *PersistentStoreWrapper) SetLastFailedConnection(t ldtime.UnixMillisecondTime) {
	w.setValue(w.envNamespace, lastFailedTimeKey, strconv.FormatUint(uint64(t), 10))
}

type storedFailure struct {
	Message   string                 `json:"message"`
	Type      interfaces.FailureType `json:"failureType"`
	Code      int                    `json:"responseCode,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
}

// GetLastFailure returns the persisted most recent connection failure, or nil. The underlying
// cause is never persisted, only the description.
func (w *PersistentStoreWrapper) GetLastFailure() *interfaces.LDFailure {
	serialized := w.getValue(w.envNamespace, lastFailureKey)
	if serialized == "" {
		return nil
	}
	var stored storedFailure
	if err := json.Unmarshal([]byte(serialized), &stored); err != nil {
		return nil
	}
	return &interfaces.LDFailure{Message: stored.Message, Type: stored.Type}
}

// SetLastFailure persists the most recent connection failure; nil removes any recorded failure.
func (w *PersistentStoreWrapper) SetLastFailure(failure *interfaces.LDFailure) {
	if failure == nil {
		w.setValue(w.envNamespace, lastFailureKey, "")
		return
	}
	stored := storedFailure{Message: failure.Message, Type: failure.Type}
	data, err := json.Marshal(stored)
	if err != nil {
		return
	}
	w.setValue(w.envNamespace, lastFailureKey, string(data))
}

// GetOrGenerateContextKey returns the stable generated key for anonymous contexts of the given
// kind, creating and persisting one if none exists yet. Generated keys are shared across
// environments, so they live in the global namespace.
func (w *PersistentStoreWrapper) GetOrGenerateContextKey(kind ldcontext.Kind) string {
	w.lock.Lock()
	defer w.lock.Unlock()
	if key, ok := w.generatedKeys[kind]; ok {
		return key
	}
	storageKey := anonContextKeyPrefix + string(kind)
	var key string
	if w.store != nil {
		if stored, err := w.store.GetValue(globalNamespace, storageKey); err == nil {
			key = stored
		} else {
			w.maybeLogStoreError(err)
		}
	}
	if key == "" {
		key = uuid.New().String()
		w.loggers.Infof("Generated new key %q for anonymous contexts of kind %q", key, kind)
		if w.store != nil {
			if err := w.store.SetValue(globalNamespace, storageKey, key); err != nil {
				w.maybeLogStoreError(err)
			}
		}
	}
	w.generatedKeys[kind] = key
	return key
}

func (w *PersistentStoreWrapper) getTime(key string) ldtime.UnixMillisecondTime {
	serialized := w.getValue(w.envNamespace, key)
	if serialized == "" {
		return 0
	}
	millis, err := strconv.ParseUint(serialized, 10, 64)
	if err != nil {
		return 0
	}
	return ldtime.UnixMillisecondTime(millis)
}

func (w *PersistentStoreWrapper) getValue(namespace, key string) string {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.store == nil {
		return ""
	}
	value, err := w.store.GetValue(namespace, key)
	if err != nil {
		w.maybeLogStoreError(err)
		return ""
	}
	return value
}

func (w *PersistentStoreWrapper) setValue(namespace, key, value string) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.store == nil {
		return
	}
	if err := w.store.SetValue(namespace, key, value); err != nil {
		w.maybeLogStoreError(err)
	}
}

func (w *PersistentStoreWrapper) maybeLogStoreError(err error) {
	if atomic.CompareAndSwapInt32(&w.loggedError, 0, 1) {
		w.loggers.Errorf("Persistent store failed; flag data will not be cached across restarts: %s", err)
		return
	}
	w.loggers.Debugf("Persistent store error: %s", err)
}
