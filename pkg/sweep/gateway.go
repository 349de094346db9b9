package sweep

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/rentsweep/pkg/ledger"
)

// Gateway wraps the ledger client methods used by the pipeline. Defined here
// so tests substitute a fake without a live RPC endpoint.
type Gateway interface {
	RecentSignatures(ctx context.Context, address solana.PublicKey, limit int) ([]ledger.SignatureInfo, error)
	CreateAccountOps(ctx context.Context, signature solana.Signature) ([]ledger.CreateAccountOp, error)
	AccountState(ctx context.Context, address solana.PublicKey) (*ledger.AccountState, error)
	RentExemptMinimum(ctx context.Context, dataSize uint64) (uint64, error)
	SubmitTransfer(ctx context.Context, from, to solana.PublicKey, lamports uint64, signer solana.PrivateKey) (solana.Signature, error)
}
