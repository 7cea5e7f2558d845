// Package sharedtest provides helper code and test data that may be used by tests in all SDK
// packages: an in-memory persistent store, controllable platform state, an inline task
// executor, a capturing update sink, and flag data builders.
//
// Non-test code should never import this package.
package sharedtest
