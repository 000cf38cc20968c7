package domain

import "time"

// Watermark is the highest contiguous height durably ingested for a chain.
type Watermark struct {
	ChainID         uint64
	LastSyncedBlock uint64
	UpdatedAt       time.Time
}
