package gevent

// ChainHeadUpdate classifies how a newly recorded head relates to the previous one.
//
//go:generate go run golang.org/x/tools/cmd/stringer -type ChainHeadUpdate
type ChainHeadUpdate uint8

const (
	// NoUpdate indicates the canonical head did not change.
	NoUpdate ChainHeadUpdate = iota

	// FastForward indicates the new head strictly extends the old head.
	FastForward

	// Reorg indicates the new head replaced a different branch.
	// Blocks after the fork point on the old branch are no longer canonical.
	Reorg
)
