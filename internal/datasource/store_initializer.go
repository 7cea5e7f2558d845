package datasource

import (
	"context"
	"errors"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/launchdarkly/go-client-sdk/internal/datastore"
	"github.com/launchdarkly/go-client-sdk/subsystems"
)

// ErrNoStoredData is returned by the persistent-store Initializer when there is no cached flag
// data for the evaluation context. This is the normal case on first use and is not a
// connection failure.
var ErrNoStoredData = errors.New("no flag data in persistent store for this context")

// storeInitializer bootstraps flag data from the persistent store, so previously cached flags
// are served while the network sources connect. The resulting change-set carries an undefined
// selector (cached data may be stale) and is not written back to the store.
type storeInitializer struct {
	persistentData *datastore.PersistentStoreWrapper
	evalContext    ldcontext.Context
	loggers        ldlog.Loggers
}

// NewStoreInitializer creates the persistent-store Initializer.
func NewStoreInitializer(
	persistentData *datastore.PersistentStoreWrapper,
	evalContext ldcontext.Context,
	loggers ldlog.Loggers,
) subsystems.Initializer {
	return &storeInitializer{persistentData: persistentData, evalContext: evalContext, loggers: loggers}
}

func (s *storeInitializer) Run(ctx context.Context) (subsystems.SourceResult, error) {
	contextID := datastore.HashForContext(s.evalContext)
	data, ok := s.persistentData.GetContextData(contextID)
	if !ok {
		return subsystems.SourceResult{}, ErrNoStoredData
	}
	s.loggers.Debugf("Using stored flag data for context %s", contextID)
	return subsystems.ChangeSetResult(
		subsystems.MakeFullChangeSet(data.All(), subsystems.Selector{}, false)), nil
}

func (s *storeInitializer) Close() error {
	return nil
}
