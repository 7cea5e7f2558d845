package datastore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlogtest"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"

	"github.com/launchdarkly/go-client-sdk/internal/sharedtest"
	"github.com/launchdarkly/go-client-sdk/subsystems"
)

var testContext = ldcontext.New("test-context")

type managerTestScope struct {
	manager *ContextDataManager
	wrapper *PersistentStoreWrapper
	store   *sharedtest.MockPersistentStore
	mockLog *ldlogtest.MockLog
}

func makeManagerTestScope(t *testing.T, maxCachedContexts int) *managerTestScope {
	t.Helper()
	mockLog := ldlogtest.NewMockLog()
	store := sharedtest.NewMockPersistentStore()
	wrapper := NewPersistentStoreWrapper(store, testMobileKey, mockLog.Loggers)
	manager := NewContextDataManager(wrapper, testContext, maxCachedContexts,
		sharedtest.NewImmediateTaskExecutor(), mockLog.Loggers)
	return &managerTestScope{manager: manager, wrapper: wrapper, store: store, mockLog: mockLog}
}

func (s *managerTestScope) assertContextIsCached(t *testing.T, context ldcontext.Context, expected subsystems.EnvironmentData) {
	t.Helper()
	cached, ok := s.wrapper.GetContextData(HashForContext(context))
	require.True(t, ok, "expected cached data for context %s", context.FullyQualifiedKey())
	assert.Equal(t, expected.All(), cached.All())
}

func (s *managerTestScope) assertContextIsNotCached(t *testing.T, context ldcontext.Context) {
	t.Helper()
	_, ok := s.wrapper.GetContextData(HashForContext(context))
	assert.False(t, ok)
}

func TestManagerInitDataReplacesFlagsAndPersists(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	data := sharedtest.MakeDataSet(
		sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true)),
		sharedtest.MakeFlag("flag2", 2, ldvalue.Int(3)),
	)

	s.manager.InitData(testContext, data)

	flag, ok := s.manager.GetNonDeletedFlag("flag1")
	require.True(t, ok)
	assert.Equal(t, ldvalue.Bool(true), flag.Value)
	assert.Equal(t, data.All(), s.manager.GetAllNonDeleted().All())
	s.assertContextIsCached(t, testContext, data)
}

func TestManagerApplyFullReplacesDataAndPersists(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	items := map[string]subsystems.Flag{
		"flag1": sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true)),
		"flag2": sharedtest.MakeFlag("flag2", 2, ldvalue.Bool(false)),
	}

	s.manager.Apply(testContext, subsystems.MakeFullChangeSet(items, subsystems.Selector{}, true))

	assert.Equal(t, items, s.manager.GetAllNonDeleted().All())
	s.assertContextIsCached(t, testContext, subsystems.UsingExistingFlagsMap(items))
}

func TestManagerApplyFullWithShouldPersistFalseUpdatesMemoryOnly(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	initialData := sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true)))
	s.manager.InitData(testContext, initialData)

	items := map[string]subsystems.Flag{"flag2": sharedtest.MakeFlag("flag2", 2, ldvalue.Bool(false))}
	s.manager.Apply(testContext, subsystems.MakeFullChangeSet(items, subsystems.Selector{}, false))

	_, ok := s.manager.GetNonDeletedFlag("flag1")
	assert.False(t, ok)
	_, ok = s.manager.GetNonDeletedFlag("flag2")
	assert.True(t, ok)
	s.assertContextIsCached(t, testContext, initialData)
}

func TestManagerApplyPartialMergesAndPersists(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	initialData := sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true)))
	s.manager.InitData(testContext, initialData)

	flag1v2 := sharedtest.MakeFlag("flag1", 2, ldvalue.Bool(false))
	flag2 := sharedtest.MakeFlag("flag2", 2, ldvalue.Bool(true))
	items := map[string]subsystems.Flag{"flag1": flag1v2, "flag2": flag2}
	s.manager.Apply(testContext, subsystems.MakePartialChangeSet(items, subsystems.Selector{}, true))

	expected := sharedtest.MakeDataSet(flag1v2, flag2)
	assert.Equal(t, expected.All(), s.manager.GetAllNonDeleted().All())
	s.assertContextIsCached(t, testContext, expected)
}

func TestManagerApplyPartialRespectsVersion(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	flag1 := sharedtest.MakeFlag("flag1", 2, ldvalue.Bool(true))
	initialData := sharedtest.MakeDataSet(flag1)
	s.manager.InitData(testContext, initialData)

	lower := sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(false))
	s.manager.Apply(testContext, subsystems.MakePartialChangeSet(
		map[string]subsystems.Flag{"flag1": lower}, subsystems.Selector{}, true))

	got, ok := s.manager.GetNonDeletedFlag("flag1")
	require.True(t, ok)
	assert.Equal(t, flag1, got)
	s.assertContextIsCached(t, testContext, initialData)
}

func TestManagerApplyNoneDoesNotChangeFlags(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	initialData := sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true)))
	s.manager.InitData(testContext, initialData)

	s.manager.Apply(testContext, subsystems.ChangeSet{Type: subsystems.ChangeSetNone})

	assert.Equal(t, initialData.All(), s.manager.GetAllNonDeleted().All())
}

func TestManagerApplyStoresSelectorInMemoryOnly(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	assert.False(t, s.manager.Selector().IsDefined())

	selector := subsystems.MakeSelector(42, "state-42")
	items := map[string]subsystems.Flag{"flag1": sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true))}
	s.manager.Apply(testContext, subsystems.MakeFullChangeSet(items, selector, false))

	require.True(t, s.manager.Selector().IsDefined())
	assert.Equal(t, 42, s.manager.Selector().Version())
	assert.Equal(t, "state-42", s.manager.Selector().State())
}

func TestManagerApplyWithEmptySelectorDoesNotOverwriteStoredSelector(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	items := map[string]subsystems.Flag{"flag1": sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true))}

	s.manager.Apply(testContext, subsystems.MakeFullChangeSet(items, subsystems.MakeSelector(1, "state1"), false))
	require.Equal(t, 1, s.manager.Selector().Version())

	s.manager.Apply(testContext, subsystems.MakeFullChangeSet(items, subsystems.Selector{}, false))
	assert.Equal(t, 1, s.manager.Selector().Version())
}

func TestManagerApplyDoesNothingWhenContextMismatch(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	initialData := sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true)))
	s.manager.InitData(testContext, initialData)

	otherContext := ldcontext.New("other-context")
	items := map[string]subsystems.Flag{"flag2": sharedtest.MakeFlag("flag2", 1, ldvalue.Bool(true))}
	s.manager.Apply(otherContext, subsystems.MakeFullChangeSet(items, subsystems.Selector{}, true))

	_, ok := s.manager.GetNonDeletedFlag("flag2")
	assert.False(t, ok)
	assert.Equal(t, initialData.All(), s.manager.GetAllNonDeleted().All())
	s.assertContextIsCached(t, testContext, initialData)
	s.assertContextIsNotCached(t, otherContext)
}

func TestManagerUpsertAcceptsHigherVersionAndPersists(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	s.manager.InitData(testContext, sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true))))

	updated := sharedtest.MakeFlag("flag1", 2, ldvalue.Bool(false))
	assert.True(t, s.manager.Upsert(updated))

	got, ok := s.manager.GetNonDeletedFlag("flag1")
	require.True(t, ok)
	assert.Equal(t, updated, got)
	s.assertContextIsCached(t, testContext, sharedtest.MakeDataSet(updated))
}

func TestManagerUpsertRejectsEqualOrLowerVersion(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	flag := sharedtest.MakeFlag("flag1", 2, ldvalue.Bool(true))
	s.manager.InitData(testContext, sharedtest.MakeDataSet(flag))

	assert.False(t, s.manager.Upsert(sharedtest.MakeFlag("flag1", 2, ldvalue.Bool(false))))
	assert.False(t, s.manager.Upsert(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(false))))

	got, _ := s.manager.GetNonDeletedFlag("flag1")
	assert.Equal(t, flag, got)
}

func TestManagerUpsertDeletionCreatesTombstone(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	s.manager.InitData(testContext, sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true))))

	assert.True(t, s.manager.Upsert(subsystems.DeletedFlagPlaceholder("flag1", 2)))

	_, ok := s.manager.GetNonDeletedFlag("flag1")
	assert.False(t, ok)
	assert.Equal(t, 0, s.manager.GetAllNonDeleted().Count())

	// the tombstone's version still gates later updates
	assert.False(t, s.manager.Upsert(sharedtest.MakeFlag("flag1", 2, ldvalue.Bool(true))))
	assert.True(t, s.manager.Upsert(sharedtest.MakeFlag("flag1", 3, ldvalue.Bool(true))))
	_, ok = s.manager.GetNonDeletedFlag("flag1")
	assert.True(t, ok)
}

func TestManagerSwitchToContextUsesStoredData(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	context2 := ldcontext.New("context2")
	data1 := sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true)))
	data2 := sharedtest.MakeDataSet(sharedtest.MakeFlag("flag2", 1, ldvalue.Bool(false)))
	s.manager.InitData(testContext, data1)
	s.manager.InitData(context2, data2)

	assert.True(t, s.manager.SwitchToContext(testContext))
	assert.Equal(t, testContext, s.manager.CurrentContext())
	assert.Equal(t, data1.All(), s.manager.GetAllNonDeleted().All())
}

func TestManagerSwitchToUnknownContextKeepsPreviousFlags(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	data := sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true)))
	s.manager.InitData(testContext, data)

	unknown := ldcontext.New("unknown-context")
	assert.False(t, s.manager.SwitchToContext(unknown))

	// the previous data remains usable until fresh data arrives for the new context
	assert.Equal(t, unknown, s.manager.CurrentContext())
	assert.Equal(t, data.All(), s.manager.GetAllNonDeleted().All())
}

func TestManagerSwitchToDifferentContextResetsSelector(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	items := map[string]subsystems.Flag{"flag1": sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true))}
	s.manager.Apply(testContext, subsystems.MakeFullChangeSet(items, subsystems.MakeSelector(42, "state-42"), true))
	require.True(t, s.manager.Selector().IsDefined())

	// the selector describes the data basis for testContext only, so it must not survive a
	// switch to any other context
	s.manager.SwitchToContext(ldcontext.New("another-context"))
	assert.False(t, s.manager.Selector().IsDefined())
}

func TestManagerSwitchToSameContextRetainsSelector(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	items := map[string]subsystems.Flag{"flag1": sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true))}
	s.manager.Apply(testContext, subsystems.MakeFullChangeSet(items, subsystems.MakeSelector(42, "state-42"), true))
	require.True(t, s.manager.Selector().IsDefined())

	assert.True(t, s.manager.SwitchToContext(testContext))
	assert.True(t, s.manager.Selector().IsDefined())
	assert.Equal(t, 42, s.manager.Selector().Version())
}

func TestManagerSwitchToSameContextWithLoadedDataIsNoOp(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	data := sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true)))
	s.manager.InitData(testContext, data)

	// removing the stored copy proves that switching back to the same context does not go
	// through persistence again; the in-memory data is already current
	s.wrapper.RemoveContextData(HashForContext(testContext))
	assert.True(t, s.manager.SwitchToContext(testContext))
	assert.Equal(t, data.All(), s.manager.GetAllNonDeleted().All())
}

func TestManagerEvictsLeastRecentlyUsedContexts(t *testing.T) {
	s := makeManagerTestScope(t, 2)
	contexts := make([]ldcontext.Context, 3)
	for i := range contexts {
		contexts[i] = ldcontext.New(fmt.Sprintf("context%d", i))
		s.manager.InitData(contexts[i],
			sharedtest.MakeDataSet(sharedtest.MakeFlag("flag", i+1, ldvalue.Int(i))))
	}

	s.assertContextIsNotCached(t, contexts[0])
	s.assertContextIsCached(t, contexts[1], sharedtest.MakeDataSet(sharedtest.MakeFlag("flag", 2, ldvalue.Int(1))))
	s.assertContextIsCached(t, contexts[2], sharedtest.MakeDataSet(sharedtest.MakeFlag("flag", 3, ldvalue.Int(2))))
}

func TestManagerZeroMaxCachedContextsDisablesFlagPersistence(t *testing.T) {
	s := makeManagerTestScope(t, 0)
	data := sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true)))
	s.manager.InitData(testContext, data)

	s.assertContextIsNotCached(t, testContext)
	// in-memory state is unaffected
	assert.Equal(t, data.All(), s.manager.GetAllNonDeleted().All())
}

func TestManagerFlagChangeListeners(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	s.manager.InitData(testContext, sharedtest.MakeDataSet(sharedtest.MakeFlag("flag1", 1, ldvalue.Bool(true))))

	var notified []string
	cancel := s.manager.AddFlagChangeListener("flag1", func(key string) {
		notified = append(notified, key)
	})

	s.manager.Upsert(sharedtest.MakeFlag("flag1", 2, ldvalue.Bool(false)))
	assert.Equal(t, []string{"flag1"}, notified)

	// an accepted update with an unchanged value still notifies
	s.manager.Upsert(sharedtest.MakeFlag("flag1", 3, ldvalue.Bool(false)))
	assert.Equal(t, []string{"flag1", "flag1"}, notified)

	// a rejected update does not
	s.manager.Upsert(sharedtest.MakeFlag("flag1", 3, ldvalue.Bool(true)))
	assert.Equal(t, []string{"flag1", "flag1"}, notified)

	cancel()
	s.manager.Upsert(sharedtest.MakeFlag("flag1", 4, ldvalue.Bool(true)))
	assert.Equal(t, []string{"flag1", "flag1"}, notified)
}

func TestManagerAllFlagsListenerReceivesChangedKeysByValueComparison(t *testing.T) {
	s := makeManagerTestScope(t, 5)
	s.manager.InitData(testContext, sharedtest.MakeDataSet(
		sharedtest.MakeFlag("unchanged", 1, ldvalue.Bool(true)),
		sharedtest.MakeFlag("changed", 1, ldvalue.Int(1)),
		sharedtest.MakeFlag("removed", 1, ldvalue.Bool(true)),
	))

	var changes [][]string
	cancel := s.manager.AddAllFlagsListener(func(keys []string) {
		changes = append(changes, keys)
	})
	defer cancel()

	// "unchanged" gets a new version but the same value, so it is not reported
	items := map[string]subsystems.Flag{
		"unchanged": sharedtest.MakeFlag("unchanged", 2, ldvalue.Bool(true)),
		"changed":   sharedtest.MakeFlag("changed", 2, ldvalue.Int(2)),
		"added":     sharedtest.MakeFlag("added", 1, ldvalue.Bool(true)),
	}
	s.manager.Apply(testContext, subsystems.MakeFullChangeSet(items, subsystems.Selector{}, false))

	require.Len(t, changes, 1)
	assert.ElementsMatch(t, []string{"changed", "added", "removed"}, changes[0])
}
