package instance

import (
	"fmt"
	"slices"

	"github.com/circlecloud/circle/internal/domain"
)

var deviceLetters = []string{
	"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m",
	"n", "o", "p", "q", "r", "s", "t", "u", "v", "w", "x", "y", "z",
}

// assignDeviceLetters gives every disk a device letter. Walking the disks in
// order, a disk keeps its letter while that letter is still free; any other
// disk takes the lowest free letter. Existing images rely on this order.
func assignDeviceLetters(disks []domain.Disk) error {
	if len(disks) > len(deviceLetters) {
		return fmt.Errorf("%w: %d disks exceed %d device letters", domain.ErrInvalidArgument, len(disks), len(deviceLetters))
	}

	free := slices.Clone(deviceLetters)
	for i := range disks {
		if idx := slices.Index(free, disks[i].DevNum); idx >= 0 {
			free = slices.Delete(free, idx, idx+1)
			continue
		}
		disks[i].DevNum = free[0]
		free = free[1:]
	}
	return nil
}
