// transfer.go - Transfer events as they appear in an origin ledger's log.

package transfer

// OriginID identifies one origin ledger. Values double as the origin's slot
// in the cross-origin aggregation tree, so they must stay below 64.
type OriginID uint32

// Event is one committed transfer read from an origin's indexed log.
// Events are immutable once observed; EventIndex is strictly increasing per
// origin and equals the transfer's leaf index in that origin's tree.
type Event struct {
	Origin      OriginID
	EventIndex  int64
	From        Digest // sender account as recorded in the log
	To          Digest // recipient binding, H(secret); never the recipient itself
	Value       uint64
	OriginBlock uint64 // ledger block the event was committed in
}

// Leaf returns the event's tree leaf commitment, H(To, Value).
func (e *Event) Leaf() Digest {
	return LeafHash(e.To, e.Value)
}
