package shard

import (
	"bytes"
	"io"
	"math/big"
	"sort"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
)

// AccountState is the post-state of one minor block: balances and nonces at
// that point of the shard chain, plus the fees accumulated while executing
// the block on top of it.
type AccountState struct {
	accounts map[model.Recipient]*account
	blockFee *big.Int
	gasUsed  uint64
}

type account struct {
	Balance *big.Int
	Nonce   uint64
}

func NewAccountState() *AccountState {
	return &AccountState{
		accounts: make(map[model.Recipient]*account),
		blockFee: new(big.Int),
	}
}

func (s *AccountState) GetBalance(r model.Recipient) *big.Int {
	if acc, ok := s.accounts[r]; ok {
		return new(big.Int).Set(acc.Balance)
	}
	return new(big.Int)
}

func (s *AccountState) GetNonce(r model.Recipient) uint64 {
	if acc, ok := s.accounts[r]; ok {
		return acc.Nonce
	}
	return 0
}

func (s *AccountState) AddBalance(r model.Recipient, v *big.Int) {
	s.account(r).Balance.Add(s.account(r).Balance, v)
}

func (s *AccountState) SubBalance(r model.Recipient, v *big.Int) error {
	acc := s.account(r)
	if acc.Balance.Cmp(v) < 0 {
		return errors.NewTxInvalidError("insufficient balance")
	}
	acc.Balance.Sub(acc.Balance, v)
	return nil
}

func (s *AccountState) SetNonce(r model.Recipient, nonce uint64) {
	s.account(r).Nonce = nonce
}

func (s *AccountState) account(r model.Recipient) *account {
	acc, ok := s.accounts[r]
	if !ok {
		acc = &account{Balance: new(big.Int)}
		s.accounts[r] = acc
	}
	return acc
}

// BlockFee is the fee total accumulated since the state was copied from a
// parent post-state.
func (s *AccountState) BlockFee() *big.Int {
	return new(big.Int).Set(s.blockFee)
}

func (s *AccountState) GasUsed() uint64 {
	return s.gasUsed
}

// Copy returns a deep copy with the fee and gas counters reset, ready to
// execute the next block.
func (s *AccountState) Copy() *AccountState {
	out := NewAccountState()
	for r, acc := range s.accounts {
		out.accounts[r] = &account{Balance: new(big.Int).Set(acc.Balance), Nonce: acc.Nonce}
	}
	return out
}

// ApplyDeposit credits a confirmed cross-shard transfer to its destination
// account. The gas for the cross-shard half was already charged on the
// source shard.
func (s *AccountState) ApplyDeposit(d *model.CrossShardTransactionDeposit) {
	s.AddBalance(d.To.Recipient, d.Value)
}

func (s *AccountState) Serialize(w io.Writer) error {
	recipients := make([]model.Recipient, 0, len(s.accounts))
	for r := range s.accounts {
		recipients = append(recipients, r)
	}
	sort.Slice(recipients, func(i, j int) bool {
		return bytes.Compare(recipients[i][:], recipients[j][:]) < 0
	})

	if err := model.WriteListLength(w, len(recipients)); err != nil {
		return err
	}
	for _, r := range recipients {
		if _, err := w.Write(r[:]); err != nil {
			return err
		}
		acc := s.accounts[r]
		if err := model.WriteBigUint256(w, acc.Balance); err != nil {
			return err
		}
		if err := model.WriteUint64(w, acc.Nonce); err != nil {
			return err
		}
	}
	return nil
}

func (s *AccountState) Deserialize(r io.Reader) error {
	n, err := model.ReadListLength(r)
	if err != nil {
		return err
	}
	s.accounts = make(map[model.Recipient]*account, n)
	s.blockFee = new(big.Int)
	s.gasUsed = 0
	for i := 0; i < n; i++ {
		var recipient model.Recipient
		if _, err := io.ReadFull(r, recipient[:]); err != nil {
			return err
		}
		balance, err := model.ReadBigUint256(r)
		if err != nil {
			return err
		}
		nonce, err := model.ReadUint64(r)
		if err != nil {
			return err
		}
		s.accounts[recipient] = &account{Balance: balance, Nonce: nonce}
	}
	return nil
}

// TxContext carries the shard-local facts an executor needs.
type TxContext struct {
	Branch    model.Branch
	ShardSize uint32
	NetworkID uint32
}

// Executor runs one transaction against an account state. The EVM proper is
// an external collaborator behind this interface; the in-repo
// TransferExecutor covers plain value transfers, which is everything the
// cluster core itself needs.
type Executor interface {
	ApplyTransaction(st *AccountState, tx *model.EvmTransaction, ctx TxContext) (gasUsed uint64, err error)
}

// TransferExecutor applies signed value transfers: nonce and balance
// checks, gas charging, and the cross-shard withholding rule. The value of
// a cross-shard transfer leaves the source shard here and reappears on the
// destination shard as a deposit.
type TransferExecutor struct{}

func (TransferExecutor) ApplyTransaction(st *AccountState, tx *model.EvmTransaction, ctx TxContext) (uint64, error) {
	if tx.NetworkID != ctx.NetworkID {
		return 0, errors.NewTxInvalidError("network id %d does not match %d", tx.NetworkID, ctx.NetworkID)
	}

	sender, err := tx.Sender()
	if err != nil {
		return 0, err
	}

	if tx.FromBranch(ctx.ShardSize) != ctx.Branch {
		return 0, errors.NewTxInvalidError("sender does not belong to shard %s", ctx.Branch)
	}

	intrinsic := tx.IntrinsicGas(ctx.ShardSize)
	if tx.Gas < intrinsic {
		return 0, errors.NewTxInvalidError("gas %d below intrinsic %d", tx.Gas, intrinsic)
	}

	if nonce := st.GetNonce(sender); tx.Nonce != nonce {
		return 0, errors.NewTxInvalidError("nonce %d does not match account nonce %d", tx.Nonce, nonce)
	}

	gasUsed := intrinsic
	fee := new(big.Int).Mul(tx.GasPrice, new(big.Int).SetUint64(gasUsed))
	cost := new(big.Int).Add(tx.Value, fee)

	if err := st.SubBalance(sender, cost); err != nil {
		return 0, err
	}
	st.SetNonce(sender, tx.Nonce+1)

	if !tx.IsCrossShard(ctx.ShardSize) {
		st.AddBalance(tx.To, tx.Value)
	}

	st.blockFee.Add(st.blockFee, fee)
	st.gasUsed += gasUsed

	return gasUsed, nil
}
