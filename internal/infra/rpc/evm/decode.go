package evm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// rpcBlock holds the header fields the pipeline reads from
// eth_getBlockByNumber. Everything else stays in the raw payload.
type rpcBlock struct {
	Number       *hexutil.Uint64   `json:"number"`
	Hash         *common.Hash      `json:"hash"`
	ParentHash   *common.Hash      `json:"parentHash"`
	Timestamp    *hexutil.Uint64   `json:"timestamp"`
	Transactions []json.RawMessage `json:"transactions"`
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeQuantity(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: quantity %s: %w", domain.ErrRPCMalformedResponse, raw, err)
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("%w: quantity %q: %w", domain.ErrRPCMalformedResponse, s, err)
	}
	return v, nil
}

func decodeBlock(chainID, height uint64, raw json.RawMessage) (*domain.Block, error) {
	if isNull(raw) {
		return nil, fmt.Errorf("%w: height %d", domain.ErrRPCNotFound, height)
	}

	var rb rpcBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, fmt.Errorf("%w: block %d: %w", domain.ErrRPCMalformedResponse, height, err)
	}
	if rb.Number == nil || rb.Hash == nil || rb.ParentHash == nil || rb.Timestamp == nil {
		return nil, fmt.Errorf("%w: block %d: missing header fields", domain.ErrRPCMalformedResponse, height)
	}
	if uint64(*rb.Number) != height {
		return nil, fmt.Errorf("%w: asked for block %d, got %d",
			domain.ErrRPCMalformedResponse, height, uint64(*rb.Number))
	}

	return &domain.Block{
		ChainID:    chainID,
		Number:     height,
		Hash:       rb.Hash.Hex(),
		ParentHash: rb.ParentHash.Hex(),
		Timestamp:  uint64(*rb.Timestamp),
		TxCount:    len(rb.Transactions),
		Payload:    bytes.Clone(raw),
	}, nil
}
