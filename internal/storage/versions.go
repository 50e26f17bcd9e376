package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewVersionID generates a monotonic version id: a UUIDv7, whose leading
// 48-bit millisecond timestamp makes lexicographic sort order match creation
// order (Open Question #2), unlike a random UUIDv4.
func NewVersionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only errors if the global RNG source fails to read.
		return fmt.Sprintf("%016x-fallback-%016x", time.Now().UnixMilli(), time.Now().UnixNano())
	}
	return id.String()
}
