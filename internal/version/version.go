// Package version holds build-time version strings, set via -ldflags
// in a release build. Defaults to "dev" for local builds.
package version

// Version is the gateway/agent build version, reported in /health and
// in AgentResponseData.agent_version.
var Version = "dev"
