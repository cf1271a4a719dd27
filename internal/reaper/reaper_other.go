//go:build !linux

package reaper

func configurePlatform(_ *Reaper) {}

// EnableSubreaper is only supported on Linux.
func EnableSubreaper() error {
	return ErrSubreaperUnsupported
}
