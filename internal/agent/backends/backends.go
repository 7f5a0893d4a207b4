// Package backends provides the engines that execute agent turns: a Docker
// container per turn and a remote HTTP agent service.
package backends

import "github.com/gosuda/tako/internal/agent"

// Register adds the built-in engine types to reg.
func Register(reg *agent.Registry) {
	reg.Register(containerEngine, NewContainerEngine)
	reg.Register(httpEngine, NewHTTPEngine)
}
