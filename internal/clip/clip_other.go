//go:build !darwin && !windows && !linux

package clip

// New returns the in-memory clipboard backend; this platform has no system
// clipboard to integrate with.
func New() Backend { return Memory() }
