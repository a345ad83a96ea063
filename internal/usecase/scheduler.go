package usecase

import (
	"time"

	"fexvoice/internal/ports"
)

// SystemScheduler runs callbacks on the wall clock.
type SystemScheduler struct{}

func NewSystemScheduler() SystemScheduler {
	return SystemScheduler{}
}

func (SystemScheduler) AfterFunc(d time.Duration, f func()) ports.Timer {
	return time.AfterFunc(d, f)
}

func (SystemScheduler) Now() time.Time {
	return time.Now()
}
