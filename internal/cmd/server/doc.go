// Package serverrun wires the runtime and background loops for the
// `agentq server start` command.
package serverrun
