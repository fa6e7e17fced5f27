package models

import (
	"math"
	"time"
)

const bytesPerMegabyte = 1024 * 1024

// Video is the persisted metadata for one stored clip. Filepath always names
// the clip's current backing file; a trim replaces it in place while a merge
// produces a new Video.
type Video struct {
	ID       int64   `json:"id"`
	Filename string  `json:"filename"`
	Filepath string  `json:"filepath"`
	Size     float64 `json:"size"`
	Duration float64 `json:"duration"`
	// Revision starts at 1 and increments on every update.
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SizeMegabytes converts a byte count to megabytes rounded to two decimals.
func SizeMegabytes(bytes int64) float64 {
	if bytes <= 0 {
		return 0
	}
	return math.Round(float64(bytes)/bytesPerMegabyte*100) / 100
}
