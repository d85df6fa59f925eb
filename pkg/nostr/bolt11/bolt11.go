// Package bolt11 decodes the amount and timestamp of a lightning invoice as
// carried in the bolt11 tag of a zap receipt. The checksum is verified, the
// tagged fields and the signature are not interpreted.
package bolt11

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

var (
	ErrInvalid  = errors.New("invalid bolt11 invoice")
	ErrNoAmount = errors.New("bolt11 invoice carries no amount")
)

// Invoice is the decoded human readable part and timestamp of an invoice.
type Invoice struct {
	// Currency is the network prefix, bc, tb, bcrt or sb.
	Currency string
	// MilliSats is the invoice amount in millisatoshi.
	MilliSats int64
	// Timestamp is the unix time the invoice was created.
	Timestamp int64
}

// Sats is the amount rounded down to whole satoshi.
func (i *Invoice) Sats() int64 { return i.MilliSats / 1000 }

// msat per unit of each multiplier, p is handled separately as it's a
// tenth of a msat.
var multipliers = map[byte]int64{
	'm': 100_000_000,
	'u': 100_000,
	'n': 100,
}

const btcMsat = 100_000_000_000

// Decode parses an invoice string with or without the lightning: prefix.
func Decode(invoice string) (inv *Invoice, err error) {
	invoice = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(invoice)),
		"lightning:")
	var hrp string
	var data []byte
	if hrp, data, err = bech32.DecodeNoLimit(invoice); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !strings.HasPrefix(hrp, "ln") || len(data) < 7 {
		return nil, ErrInvalid
	}
	inv = &Invoice{}
	for _, v := range data[:7] {
		inv.Timestamp = inv.Timestamp<<5 | int64(v)
	}
	rest := hrp[2:]
	i := strings.IndexAny(rest, "0123456789")
	if i < 0 {
		inv.Currency = rest
		return inv, ErrNoAmount
	}
	if i == 0 {
		return nil, ErrInvalid
	}
	inv.Currency, rest = rest[:i], rest[i:]
	if inv.MilliSats, err = parseAmount(rest); err != nil {
		return nil, err
	}
	return
}

func parseAmount(s string) (msat int64, err error) {
	mult := s[len(s)-1]
	digits := s
	if mult < '0' || mult > '9' {
		digits = s[:len(s)-1]
	}
	var n int64
	if n, err = strconv.ParseInt(digits, 10, 64); err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: amount %q", ErrInvalid, s)
	}
	switch {
	case mult >= '0' && mult <= '9':
		if n > math.MaxInt64/btcMsat {
			return 0, fmt.Errorf("%w: amount %q out of range", ErrInvalid, s)
		}
		return n * btcMsat, nil
	case mult == 'p':
		if n%10 != 0 {
			return 0, fmt.Errorf("%w: sub-millisatoshi amount %q", ErrInvalid, s)
		}
		return n / 10, nil
	}
	f, ok := multipliers[mult]
	if !ok {
		return 0, fmt.Errorf("%w: unknown multiplier %q", ErrInvalid, mult)
	}
	if n > math.MaxInt64/f {
		return 0, fmt.Errorf("%w: amount %q out of range", ErrInvalid, s)
	}
	return n * f, nil
}

// Sats decodes the invoice and returns its amount in satoshi.
func Sats(invoice string) (sats int64, err error) {
	var inv *Invoice
	if inv, err = Decode(invoice); err != nil {
		return
	}
	return inv.Sats(), nil
}
