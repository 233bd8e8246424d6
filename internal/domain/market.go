package domain

// MarketStats is a point-in-time view of Market State.
type MarketStats struct {
	Entities    int    `json:"entities"`
	Watermark   uint64 `json:"watermark"`
	StorageKeys int    `json:"storage_keys"`
	// Gaps counts heights skipped because their diff could not be fetched.
	Gaps uint64 `json:"gaps"`
	// RecentGaps lists the most recent skipped heights, oldest first.
	RecentGaps []uint64 `json:"recent_gaps,omitempty"`
	// PendingGaps counts gap heights above the watermark that nothing has stepped over yet.
	PendingGaps int `json:"pending_gaps"`
}
