package models

// Consumption tracks the one-time-view allowances of a record. The owner preview and the recipient view
// are independent allowances; LegacyConsumed stands for records created before the split, whose single
// allowance is used up for everyone.
type Consumption int

const (
	Unconsumed Consumption = iota
	OwnerConsumed
	RecipientConsumed
	BothConsumed
	LegacyConsumed
)

func (c Consumption) String() string {
	switch c {
	case Unconsumed:
		return "Unconsumed"
	case OwnerConsumed:
		return "OwnerConsumed"
	case RecipientConsumed:
		return "RecipientConsumed"
	case BothConsumed:
		return "BothConsumed"
	case LegacyConsumed:
		return "LegacyConsumed"
	default:
		return "Unknown"
	}
}

func (c Consumption) Valid() bool {
	return c >= Unconsumed && c <= LegacyConsumed
}

func (c Consumption) OwnerPreviewUsed() bool {
	return c == OwnerConsumed || c == BothConsumed
}

func (c Consumption) RecipientViewUsed() bool {
	return c == RecipientConsumed || c == BothConsumed
}

// LegacyViewed derives the pre-split "has been viewed" flag.
func (c Consumption) LegacyViewed() bool {
	return c != Unconsumed
}

// Exhausted reports whether the allowance of the given role is used up.
func (c Consumption) Exhausted(owner bool) bool {
	if c == LegacyConsumed {
		return true
	}
	if owner {
		return c.OwnerPreviewUsed()
	}
	return c.RecipientViewUsed()
}

// Consume returns the state after the given role used its allowance. ok is false if the allowance was
// already used up, in which case c is returned unchanged.
func (c Consumption) Consume(owner bool) (next Consumption, ok bool) {
	if c.Exhausted(owner) {
		return c, false
	}
	switch {
	case c == Unconsumed && owner:
		return OwnerConsumed, true
	case c == Unconsumed:
		return RecipientConsumed, true
	default:
		// the other role had already consumed its allowance
		return BothConsumed, true
	}
}

// ConsumptionFromFlags maps the three stored booleans of the document format onto a Consumption.
func ConsumptionFromFlags(ownerPreviewUsed, recipientViewUsed, legacyViewed bool) Consumption {
	switch {
	case ownerPreviewUsed && recipientViewUsed:
		return BothConsumed
	case ownerPreviewUsed:
		return OwnerConsumed
	case recipientViewUsed:
		return RecipientConsumed
	case legacyViewed:
		return LegacyConsumed
	default:
		return Unconsumed
	}
}

// Flags is the inverse of ConsumptionFromFlags.
func (c Consumption) Flags() (ownerPreviewUsed, recipientViewUsed, legacyViewed bool) {
	return c.OwnerPreviewUsed(), c.RecipientViewUsed(), c.LegacyViewed()
}
