package domain

import "time"

// Block is the ingested unit. (ChainID, Number) is unique.
type Block struct {
	ChainID    uint64
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
	TxCount    int
	// Payload is the raw block object returned by the node.
	Payload []byte
}

// Time returns the block timestamp.
func (b *Block) Time() time.Time {
	return time.Unix(int64(b.Timestamp), 0).UTC()
}

// ChildOf reports whether b directly extends parent.
func (b *Block) ChildOf(parent *Block) bool {
	return parent != nil && b.Number == parent.Number+1 && b.ParentHash == parent.Hash
}
