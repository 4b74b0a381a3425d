package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"ValoraRamp/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// TokenDecimals is shared by CELO, cUSD and cEUR.
const TokenDecimals = 18

var (
	ErrTokenNotSpecified   = errors.New("TOKEN_NOT_SPECIFIED")
	ErrAddressNotSpecified = errors.New("ADDRESS_NOT_SPECIFIED")
	ErrInsufficientBalance = errors.New("INSUFFICIENT_BALANCE")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrUnknownToken        = errors.New("token contract is not configured")
)

// Backend is the node surface used by Celo. *RPCClient and
// *MultiRPCClient both satisfy it.
type Backend interface {
	NonceAt(ctx context.Context, address string) (uint64, error)
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg CallMsg) ([]byte, error)
	SendRawTransaction(ctx context.Context, raw string) (string, error)
	TransactionByHash(ctx context.Context, hash string) (*Tx, error)
}

// Mainnet token contracts.
var MainnetTokens = map[models.Token]string{
	models.TokenCELO: "0x471EcE3750Da237f93B8E339c536989b8978a438",
	models.TokenCUSD: "0x765DE816845861e75A25fCA122bb6898B8B1282a",
	models.TokenCEUR: "0xD8763CBa276a3738E6DE85b4b3bF5FDed6D6cA73",
}

// UnsignedTx is a transfer the external wallet is asked to sign.
type UnsignedTx struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Data        string `json:"txData"`
	Gas         uint64 `json:"estimatedGas"`
	Nonce       uint64 `json:"nonce"`
	FeeCurrency string `json:"feeCurrencyAddress"`
	Value       string `json:"value"`
}

type Celo struct {
	Backend Backend
	Tokens  map[models.Token]common.Address
	// FeeCurrency pays gas; cUSD unless configured otherwise.
	FeeCurrency models.Token
}

func NewCelo(backend Backend, tokens map[models.Token]string) (*Celo, error) {
	if len(tokens) == 0 {
		tokens = MainnetTokens
	}
	parsed := make(map[models.Token]common.Address, len(tokens))
	for tok, addr := range tokens {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("token %s: %w", tok, ErrInvalidAddress)
		}
		parsed[tok] = common.HexToAddress(addr)
	}
	return &Celo{Backend: backend, Tokens: parsed, FeeCurrency: models.TokenCUSD}, nil
}

// Balance returns owner's token balance in whole tokens. Tokens without a
// configured contract report zero.
func (c *Celo) Balance(ctx context.Context, owner string, token models.Token) (decimal.Decimal, error) {
	if token == "" {
		return decimal.Zero, ErrTokenNotSpecified
	}
	if owner == "" {
		return decimal.Zero, ErrAddressNotSpecified
	}
	if !common.IsHexAddress(owner) {
		return decimal.Zero, ErrInvalidAddress
	}
	contract, ok := c.Tokens[token]
	if !ok {
		return decimal.Zero, nil
	}
	out, err := c.Backend.CallContract(ctx, CallMsg{
		To:   contract.Hex(),
		Data: hexutil.Encode(BalanceOfData(common.HexToAddress(owner))),
	})
	if err != nil {
		return decimal.Zero, err
	}
	return FromWei(new(big.Int).SetBytes(out)), nil
}

// PrepareTransfer builds the ERC-20 transfer the wallet signs. The amount
// must be strictly below the current balance so the fee can be covered.
func (c *Celo) PrepareTransfer(ctx context.Context, from, to string, token models.Token, amount decimal.Decimal) (UnsignedTx, error) {
	if token == "" {
		return UnsignedTx{}, ErrTokenNotSpecified
	}
	if from == "" || to == "" {
		return UnsignedTx{}, ErrAddressNotSpecified
	}
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return UnsignedTx{}, ErrInvalidAddress
	}
	if !amount.IsPositive() {
		return UnsignedTx{}, ErrInvalidAmount
	}
	contract, ok := c.Tokens[token]
	if !ok {
		return UnsignedTx{}, ErrUnknownToken
	}

	balance, err := c.Balance(ctx, from, token)
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("balance: %w", err)
	}
	if !amount.LessThan(balance) {
		return UnsignedTx{}, ErrInsufficientBalance
	}

	data := hexutil.Encode(TransferData(common.HexToAddress(to), ToWei(amount)))
	feeCurrency := ""
	if fc, ok := c.Tokens[c.FeeCurrency]; ok {
		feeCurrency = fc.Hex()
	}
	sender := common.HexToAddress(from).Hex()

	nonce, err := c.Backend.NonceAt(ctx, sender)
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("nonce: %w", err)
	}
	gas, err := c.Backend.EstimateGas(ctx, CallMsg{
		From:        sender,
		To:          contract.Hex(),
		Data:        data,
		FeeCurrency: feeCurrency,
	})
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("estimate gas: %w", err)
	}

	return UnsignedTx{
		From:        sender,
		To:          contract.Hex(),
		Data:        data,
		Gas:         gas,
		Nonce:       nonce,
		FeeCurrency: feeCurrency,
		Value:       "0",
	}, nil
}

func (c *Celo) Broadcast(ctx context.Context, raw string) (string, error) {
	return c.Backend.SendRawTransaction(ctx, raw)
}

func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(TokenDecimals).Truncate(0).BigInt()
}

func FromWei(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -TokenDecimals)
}
