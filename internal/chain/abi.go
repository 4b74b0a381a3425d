package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	transferSelector  = []byte{0xa9, 0x05, 0x9c, 0xbb} // transfer(address,uint256)
	balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31} // balanceOf(address)
)

func TransferData(to common.Address, amount *big.Int) []byte {
	out := make([]byte, 0, 4+32+32)
	out = append(out, transferSelector...)
	out = append(out, common.LeftPadBytes(to.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(amount.Bytes(), 32)...)
	return out
}

func BalanceOfData(owner common.Address) []byte {
	out := make([]byte, 0, 4+32)
	out = append(out, balanceOfSelector...)
	out = append(out, common.LeftPadBytes(owner.Bytes(), 32)...)
	return out
}
