//go:build !linux

// setaffinity_stub.go
//
// Portable fall-back: thread pinning is a no-op outside Linux.

package control

func setAffinity(int) {}
