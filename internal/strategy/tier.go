package strategy

import "fmt"

// Risk tiers. Higher tier means more invasive and harder to undo.
const (
	TierInspect     = 1 // Reversible configuration toggles
	TierUserspace   = 2 // Userspace tooling, no partition writes
	TierPatch       = 3 // Patches applied to images or ramdisks
	TierPartition   = 4 // Writes to system partitions
	TierBootchain   = 5 // Bootloader or boot image changes
	TierDestructive = 6 // May wipe data or brick the device

	MinTier = TierInspect
	MaxTier = TierDestructive
)

// TierLabel returns a human-readable label for the tier.
func TierLabel(tier int) string {
	switch tier {
	case TierInspect:
		return "inspect"
	case TierUserspace:
		return "userspace"
	case TierPatch:
		return "patch"
	case TierPartition:
		return "partition"
	case TierBootchain:
		return "bootchain"
	case TierDestructive:
		return "destructive"
	default:
		return fmt.Sprintf("unknown(%d)", tier)
	}
}
