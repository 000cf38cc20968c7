package evm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/chainsync/internal/core/domain"
)

var errConnectionClosed = errors.New("connection closed")

// headSubscription adapts a newHeads subscription to rpc.HeadSubscription.
type headSubscription struct {
	sub     ethereum.Subscription
	headers <-chan *types.Header
	heads   chan uint64
	errc    chan error
	quit    chan struct{}
	once    sync.Once
	onClose func()
}

func newHeadSubscription(sub ethereum.Subscription, headers <-chan *types.Header, onClose func()) *headSubscription {
	return &headSubscription{
		sub:     sub,
		headers: headers,
		heads:   make(chan uint64, 64),
		errc:    make(chan error, 1),
		quit:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *headSubscription) Heads() <-chan uint64 { return s.heads }

func (s *headSubscription) Err() <-chan error { return s.errc }

func (s *headSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}

func (s *headSubscription) loop() {
	defer s.onClose()
	for {
		select {
		case <-s.quit:
			return
		case err, ok := <-s.sub.Err():
			if !ok {
				// Closed by Unsubscribe.
				return
			}
			if err == nil {
				err = errConnectionClosed
			}
			s.errc <- fmt.Errorf("%w: subscription ended: %w", domain.ErrRPCUnavailable, err)
			return
		case h := <-s.headers:
			if h == nil || h.Number == nil {
				continue
			}
			select {
			case s.heads <- h.Number.Uint64():
			case <-s.quit:
				return
			}
		}
	}
}
