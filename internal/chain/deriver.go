package chain

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var ErrXPubNotConfigured = errors.New("xpub is not configured")

// AddressDeriver turns an account xpub into per-order receiving addresses.
type AddressDeriver struct {
	XPub string
}

// Derive expects XPub at path m/44'/52752'/0'/0 and derives child index i.
func (d AddressDeriver) Derive(index uint32) (string, error) {
	if d.XPub == "" {
		return "", ErrXPubNotConfigured
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	child, err := key.Derive(index)
	if err != nil {
		return "", err
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	uncompressed := pubKey.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	return common.BytesToAddress(sum[12:]).Hex(), nil
}
