// Package runtime assembles the single-node instance: the Pebble store,
// the queue broker, the health monitor, the coordinator, and the optional
// notification bus, all from one Config.
package runtime
