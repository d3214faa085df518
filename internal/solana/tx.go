package solana

import (
	"encoding/base64"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	sol "github.com/gagliardetto/solana-go"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

// ---------------------------------------------------------------------------
// Wallet & transaction assembly
// ---------------------------------------------------------------------------

// Wallet holds the signing key for the trading account.
type Wallet struct {
	key sol.PrivateKey
}

// LoadWallet reads a solana-keygen JSON keypair file. A leading ~ expands
// to the home directory.
func LoadWallet(path string) (*Wallet, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errs.WrapErr(errs.ErrConfig, err, "resolve home directory")
		}
		path = filepath.Join(home, path[2:])
	}
	key, err := sol.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, errs.WrapErr(errs.ErrConfig, err, "load wallet "+path)
	}
	return &Wallet{key: key}, nil
}

// NewRandomWallet generates a throwaway keypair for dry-run and tests.
func NewRandomWallet() (*Wallet, error) {
	key, err := sol.NewRandomPrivateKey()
	if err != nil {
		return nil, errs.WrapErr(errs.ErrInternal, err, "generate keypair")
	}
	return &Wallet{key: key}, nil
}

func (w *Wallet) PublicKey() sol.PublicKey {
	return w.key.PublicKey()
}

func (w *Wallet) Pubkey() Pubkey {
	return Pubkey(w.key.PublicKey().String())
}

func (w *Wallet) signer(key sol.PublicKey) *sol.PrivateKey {
	if key.Equals(w.key.PublicKey()) {
		k := w.key
		return &k
	}
	return nil
}

// SetComputeUnitLimit encodes the compute-budget instruction
// (discriminator 2, u32 LE units).
func SetComputeUnitLimit(units uint32) sol.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], units)
	return sol.NewInstruction(sol.MustPublicKeyFromBase58(string(ComputeBudgetID)), sol.AccountMetaSlice{}, data)
}

// SetComputeUnitPrice encodes the compute-budget instruction
// (discriminator 3, u64 LE micro-lamports).
func SetComputeUnitPrice(microLamports uint64) sol.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return sol.NewInstruction(sol.MustPublicKeyFromBase58(string(ComputeBudgetID)), sol.AccountMetaSlice{}, data)
}

// Transfer encodes a system-program transfer (index 2, u64 LE lamports).
func Transfer(from, to sol.PublicKey, lamports uint64) sol.Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 2)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return sol.NewInstruction(
		sol.SystemProgramID,
		sol.AccountMetaSlice{
			sol.NewAccountMeta(from, true, true),
			sol.NewAccountMeta(to, true, false),
		},
		data,
	)
}

// BuildParams describes one transaction to assemble.
type BuildParams struct {
	Instructions     []sol.Instruction
	ComputeUnitLimit uint32 // 0 omits the instruction
	ComputeUnitPrice uint64 // micro-lamports per CU, 0 omits the instruction
	Blockhash        Blockhash
}

// BuildAndSign prepends the compute-budget instructions, sets the wallet as
// fee payer, signs and encodes the transaction for sendTransaction.
func BuildAndSign(w *Wallet, p BuildParams) (SignedTx, error) {
	if len(p.Instructions) == 0 {
		return SignedTx{}, errs.Transaction("no instructions to build")
	}
	hash, err := sol.HashFromBase58(p.Blockhash.Hash)
	if err != nil {
		return SignedTx{}, errs.WrapErr(errs.ErrTransaction, err, "parse blockhash")
	}

	ixs := make([]sol.Instruction, 0, len(p.Instructions)+2)
	if p.ComputeUnitLimit > 0 {
		ixs = append(ixs, SetComputeUnitLimit(p.ComputeUnitLimit))
	}
	if p.ComputeUnitPrice > 0 {
		ixs = append(ixs, SetComputeUnitPrice(p.ComputeUnitPrice))
	}
	ixs = append(ixs, p.Instructions...)

	tx, err := sol.NewTransaction(ixs, hash, sol.TransactionPayer(w.PublicKey()))
	if err != nil {
		return SignedTx{}, errs.WrapErr(errs.ErrTransaction, err, "assemble transaction")
	}
	if _, err := tx.Sign(w.signer); err != nil {
		return SignedTx{}, errs.WrapErr(errs.ErrTransaction, err, "sign transaction")
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return SignedTx{}, errs.WrapErr(errs.ErrTransaction, err, "encode transaction")
	}

	return SignedTx{
		Signature: Signature(tx.Signatures[0].String()),
		Base64:    base64.StdEncoding.EncodeToString(raw),
	}, nil
}
