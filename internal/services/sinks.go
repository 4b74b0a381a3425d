package services

import (
	"context"
	"errors"

	"ValoraRamp/internal/chain"
	"ValoraRamp/internal/store"
)

var ErrSinkNotConfigured = errors.New("neither wallet xpub nor sink address is configured")

// SinkAllocator picks the address withdrawn tokens go to. With an xpub
// every withdrawal gets a fresh derived address; otherwise the static
// address is used.
type SinkAllocator struct {
	Deriver chain.AddressDeriver
	Index   store.IndexAllocator
	Static  string
}

func (a SinkAllocator) SinkAddress(ctx context.Context) (string, error) {
	if a.Deriver.XPub != "" && a.Index != nil {
		idx, err := a.Index.NextDerivationIndex(ctx)
		if err != nil {
			return "", err
		}
		return a.Deriver.Derive(uint32(idx))
	}
	if a.Static != "" {
		return a.Static, nil
	}
	return "", ErrSinkNotConfigured
}
