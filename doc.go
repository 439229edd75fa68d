// Package testnet runs a user-supplied program inside a synthetic
// multi-node Linux network for integration testing of distributed
// applications.
//
// Each node is a separate process in its own network namespace, connected
// through a shared bridge in a parent "switch" namespace. User code on each
// node can broadcast byte payloads to its peers through a synchronised step
// protocol exposed by Context.
//
// Each call to New re-executes the current binary (via /proc/self/exe) to
// become the switch and, later, each node: the embedding program's main()
// runs again from scratch in every child, builds the same NetConfig, and
// calls New again, which recognises the re-exec by an environment variable
// and takes over that process permanently instead of returning. See New's
// doc comment for the full dispatch contract.
package testnet
