package config

import (
	"math/big"
	"strings"

	"github.com/lattice-network/lattice/errors"
)

// Amount is a big-integer token amount that accepts either a JSON number or
// a decimal string, so genesis allocations larger than 2^63 survive the
// round trip.
type Amount struct {
	big.Int
}

func NewAmount(v *big.Int) Amount {
	var a Amount
	if v != nil {
		a.Int.Set(v)
	}
	return a
}

// TokensToWei converts whole tokens to the 10^18 base unit.
func TokensToWei(tokens int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tokens), big.NewInt(1e18))
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Int.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if _, ok := a.Int.SetString(s, 10); !ok {
		return errors.NewConfigurationError("invalid amount %q", s)
	}
	if a.Int.Sign() < 0 {
		return errors.NewConfigurationError("negative amount %q", s)
	}
	return nil
}

func (a *Amount) Value() *big.Int {
	return &a.Int
}
