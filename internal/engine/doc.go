// ABOUTME: Package engine defines the connection engine contract and name-keyed manager.
// ABOUTME: Concrete engines live in subpackages; the orchestrator only sees this interface.

// Package engine defines the capability contract every connection engine
// implements and the manager that selects one by its configured name.
package engine
