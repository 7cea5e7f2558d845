package datastore

import (
	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
)

// AnonymousKeyContextModifier replaces the key of anonymous contexts with a generated one.
// Generated keys are persisted and stable for a given context kind, so an anonymous context on
// a given device always resolves to the same key.
type AnonymousKeyContextModifier struct {
	persistentData        *PersistentStoreWrapper
	generateAnonymousKeys bool
}

// NewAnonymousKeyContextModifier creates an AnonymousKeyContextModifier. If
// generateAnonymousKeys is false, ModifyContext returns every context unchanged.
func NewAnonymousKeyContextModifier(
	persistentData *PersistentStoreWrapper,
	generateAnonymousKeys bool,
) *AnonymousKeyContextModifier {
	return &AnonymousKeyContextModifier{
		persistentData:        persistentData,
		generateAnonymousKeys: generateAnonymousKeys,
	}
}

// ModifyContext returns the context with generated keys applied to each anonymous kind, or the
// original context if nothing needed to change.
func (m *AnonymousKeyContextModifier) ModifyContext(context ldcontext.Context) ldcontext.Context {
	if !m.generateAnonymousKeys {
		return context
	}
	if context.Multiple() {
		hasAnyAnon := false
		for i := 0; i < context.IndividualContextCount(); i++ {
			if c := context.IndividualContextByIndex(i); c.Anonymous() {
				hasAnyAnon = true
				break
			}
		}
		if hasAnyAnon {
			builder := ldcontext.NewMultiBuilder()
			for i := 0; i < context.IndividualContextCount(); i++ {
				c := context.IndividualContextByIndex(i)
				if c.Anonymous() {
					c = m.singleKindContextWithGeneratedKey(c)
				}
				builder.Add(c)
			}
			return builder.Build()
		}
	} else if context.Anonymous() {
		return m.singleKindContextWithGeneratedKey(context)
	}
	return context
}

func (m *AnonymousKeyContextModifier) singleKindContextWithGeneratedKey(
	context ldcontext.Context,
) ldcontext.Context {
	return ldcontext.NewBuilderFromContext(context).
		Key(m.persistentData.GetOrGenerateContextKey(context.Kind())).
		Build()
}
