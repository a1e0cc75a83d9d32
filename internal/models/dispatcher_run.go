package models

import (
	"time"

	"gorm.io/gorm"
)

// DispatcherRun records one invocation of the claim/execute loop. A row with
// a nil FinishedAt older than the reaper TTL marks a run that died mid-flight.
type DispatcherRun struct {
	gorm.Model
	RunID      string `gorm:"uniqueIndex;not null"`
	Account    string `gorm:"index"`
	StartedAt  time.Time
	FinishedAt *time.Time
	Claimed    int
	Executed   int
	Simulated  int
	Skipped    int
	Failed     int
	Summary    string
}
