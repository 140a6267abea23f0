// Package memoryhost provides an in-memory sessions.Registry suitable for
// tests and single-process servers. Registered sessions are discarded on
// process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Concurrency       : safe (RWMutex around the map only)
//
// Example:
//
//	mgr := sessions.NewManager(memoryhost.New())
package memoryhost
