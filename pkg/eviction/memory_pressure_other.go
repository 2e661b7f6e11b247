//go:build !linux

package eviction

// NewOSMemoryPressureSource creates the platform-appropriate
// MemoryPressureSource. Non-Linux platforms have no wired-up signal
// yet, so this returns NoMemoryPressure; the periodic timer and
// high-water-mark trigger still drive eviction.
func NewOSMemoryPressureSource() MemoryPressureSource {
	return NoMemoryPressure{}
}
