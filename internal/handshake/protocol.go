package handshake

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"ValoraRamp/internal/chain"
)

const DefaultDeepLinkBase = "celo://wallet/dappkit"

type RequestType string

const (
	TypeAccountAddress RequestType = "account_address"
	TypeSignTx         RequestType = "sign_tx"
)

type ResponseStatus string

const (
	StatusSuccess      ResponseStatus = "200"
	StatusUnauthorized ResponseStatus = "401"
)

// OK accepts both the numeric dappkit code and the word form.
func (s ResponseStatus) OK() bool {
	return s == StatusSuccess || strings.EqualFold(string(s), "success")
}

// Request id prefixes.
const (
	KindSignTransaction = "signTransaction"
	KindLogin           = "login"
)

var ErrNotHandshake = errors.New("url carries no handshake response")

type Request struct {
	ID       string
	Type     RequestType
	DappName string
	Callback string
	Txs      []chain.UnsignedTx
}

type Response struct {
	RequestID   string
	Type        RequestType
	Status      ResponseStatus
	RawTxs      []string
	Address     string
	PhoneNumber string
}

// DeepLink serializes req the way the wallet app expects. Transactions
// travel as base64 encoded JSON.
func DeepLink(base string, req Request) (string, error) {
	if base == "" {
		base = DefaultDeepLinkBase
	}
	q := url.Values{}
	q.Set("type", string(req.Type))
	q.Set("requestId", req.ID)
	q.Set("callback", req.Callback)
	q.Set("dappName", req.DappName)
	if req.Type == TypeSignTx {
		b, err := json.Marshal(req.Txs)
		if err != nil {
			return "", err
		}
		q.Set("txs", base64.StdEncoding.EncodeToString(b))
	}
	return base + "?" + q.Encode(), nil
}

// ParseCallback collects query parameters from every "?" segment of raw,
// ignoring fragments, so callbacks that already carried a query or that sit
// behind a hash route are read in full. Later segments win.
func ParseCallback(raw string) url.Values {
	out := url.Values{}
	segments := strings.Split(raw, "?")
	for _, seg := range segments[1:] {
		if i := strings.IndexByte(seg, '#'); i >= 0 {
			seg = seg[:i]
		}
		vals, _ := url.ParseQuery(seg)
		for k, v := range vals {
			out[k] = v
		}
	}
	return out
}

func ParseResponse(raw string) (Response, error) {
	q := ParseCallback(raw)
	resp := Response{
		RequestID:   q.Get("requestId"),
		Type:        RequestType(q.Get("type")),
		Status:      ResponseStatus(q.Get("status")),
		RawTxs:      q["rawTxs"],
		Address:     q.Get("address"),
		PhoneNumber: q.Get("phoneNumber"),
	}
	if resp.RequestID == "" || resp.Type == "" || resp.Status == "" {
		return Response{}, ErrNotHandshake
	}
	return resp, nil
}

// ScopeOf returns the scope parameter our callback URLs carry.
func ScopeOf(raw string) string {
	return ParseCallback(raw).Get("scope")
}
