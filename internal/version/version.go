// Package version holds the SDK version string reported in request headers.
package version

// Version is the SDK version.
const Version = "1.0.0"
