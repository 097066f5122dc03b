// Package datastore persists detection history through GORM on SQLite or
// MySQL.
package datastore

import "time"

// Run is one pipeline session. Detections reference it by ID.
type Run struct {
	ID        string `gorm:"primaryKey;size:36"`
	StartedAt time.Time
	EndedAt   *time.Time
	Source    string `gorm:"size:255"`
	Model     string `gorm:"size:255"`
	Threads   int
}

// Detection is a result whose confidence reached the store threshold.
type Detection struct {
	ID         uint      `gorm:"primaryKey"`
	RunID      string    `gorm:"size:36;index"`
	FrameID    uint64    `gorm:"index"`
	Timestamp  time.Time `gorm:"index"`
	Label      string    `gorm:"size:255;index"`
	Confidence float64
	LatencyMS  float64
	CPUPercent float64
	Threads    int
	CreatedAt  time.Time
}

// LabelCount is one row of a per-label summary.
type LabelCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}
