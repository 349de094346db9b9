// Package ledger is a thin, stateless wrapper around the Solana JSON-RPC
// boundary. It exposes exactly the reads and the single write the reclamation
// pipeline needs, rate-limits and bounds every call, and carries no business
// logic: callers decide whether a failure is fatal or skippable.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/rentsweep/pkg/metrics"
)

const (
	// MaxSignaturePage is the discovery horizon: one bounded page of sponsor
	// signatures per scan.
	MaxSignaturePage = 100

	defaultRequestTimeout  = 15 * time.Second
	defaultRequestsPerSec  = 8
	defaultBurst           = 16
	defaultConfirmTimeout  = 60 * time.Second
	defaultConfirmInterval = 2 * time.Second
)

// LamportsToSOL converts the ledger's integer subunit to native SOL.
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / float64(solana.LAMPORTS_PER_SOL)
}

// SignatureInfo is one entry of the sponsor's most-recent-first history page.
type SignatureInfo struct {
	Signature solana.Signature
	Failed    bool
	BlockTime *time.Time
}

// CreateAccountOp is a system createAccount/createAccountWithSeed instruction
// reduced to the fields the scanner needs.
type CreateAccountOp struct {
	Payer      solana.PublicKey
	NewAccount solana.PublicKey
	Lamports   uint64
	Space      uint64
}

// AccountState is the current on-ledger state of an account.
type AccountState struct {
	Lamports uint64
	DataSize uint64
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Endpoint is the JSON-RPC URL. Required unless RPC is set directly.
	Endpoint string
	// RPC overrides Endpoint, used by tests.
	RPC *solanarpc.Client

	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
	ConfirmTimeout    time.Duration
	ConfirmInterval   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Endpoint == "" && cfg.RPC == nil {
		return errors.New("rpc endpoint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = defaultConfirmInterval
	}
	return nil
}

// Client is an explicitly constructed, injected dependency: no package-level
// connection state, so tests substitute a fake gateway without globals.
type Client struct {
	log     *slog.Logger
	cfg     Config
	rpc     *solanarpc.Client
	clock   clockwork.Clock
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rpcClient := cfg.RPC
	if rpcClient == nil {
		rpcClient = solanarpc.New(cfg.Endpoint)
	}
	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		rpc:     rpcClient,
		clock:   cfg.Clock,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}, nil
}

func (c *Client) begin(ctx context.Context, method string) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limiter wait for %s: %w", method, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	return callCtx, cancel, nil
}

func observe(method string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	metrics.RPCRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// RecentSignatures returns one bounded, most-recent-first page of transaction
// signatures the address participated in. limit is capped at MaxSignaturePage.
func (c *Client) RecentSignatures(ctx context.Context, address solana.PublicKey, limit int) ([]SignatureInfo, error) {
	if limit <= 0 || limit > MaxSignaturePage {
		limit = MaxSignaturePage
	}
	callCtx, cancel, err := c.begin(ctx, "getSignaturesForAddress")
	if err != nil {
		return nil, err
	}
	defer cancel()

	start := time.Now()
	out, err := c.rpc.GetSignaturesForAddressWithOpts(callCtx, address, &solanarpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: solanarpc.CommitmentConfirmed,
	})
	observe("getSignaturesForAddress", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signatures for %s: %w", address, err)
	}

	infos := make([]SignatureInfo, 0, len(out))
	for _, sig := range out {
		info := SignatureInfo{
			Signature: sig.Signature,
			Failed:    sig.Err != nil,
		}
		if sig.BlockTime != nil {
			t := sig.BlockTime.Time()
			info.BlockTime = &t
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CreateAccountOps fetches the parsed transaction and returns its system
// create-account instructions. Returns nil, nil when the transaction is not
// found (pruned or never landed).
func (c *Client) CreateAccountOps(ctx context.Context, signature solana.Signature) ([]CreateAccountOp, error) {
	callCtx, cancel, err := c.begin(ctx, "getParsedTransaction")
	if err != nil {
		return nil, err
	}
	defer cancel()

	maxVersion := uint64(0)
	start := time.Now()
	out, err := c.rpc.GetParsedTransaction(callCtx, signature, &solanarpc.GetParsedTransactionOpts{
		Commitment:                     solanarpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	observe("getParsedTransaction", start, err)
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch parsed transaction %s: %w", signature, err)
	}
	if out == nil || out.Transaction == nil {
		return nil, nil
	}
	return ExtractCreateAccountOps(out.Transaction.Message.Instructions), nil
}

// parsedInstructionInfo is the JSON shape of a parsed system instruction. The
// RPC type wraps it in an envelope with unexported fields, so it is recovered
// through a JSON round-trip.
type parsedInstructionInfo struct {
	Type string                 `json:"type"`
	Info map[string]interface{} `json:"info"`
}

// instructionInfo unwraps the envelope. Envelopes carrying a bare string (or
// anything without an info object) report false.
func instructionInfo(envelope *solanarpc.InstructionInfoEnvelope) (parsedInstructionInfo, bool) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return parsedInstructionInfo{}, false
	}
	var parsed parsedInstructionInfo
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Info == nil {
		return parsedInstructionInfo{}, false
	}
	return parsed, true
}

// ExtractCreateAccountOps reduces parsed instructions to the system
// create-account operations, the canonical signature of sponsorship.
func ExtractCreateAccountOps(instructions []*solanarpc.ParsedInstruction) []CreateAccountOp {
	var ops []CreateAccountOp
	for _, inst := range instructions {
		if inst == nil || inst.Parsed == nil {
			continue
		}
		if inst.Program != "system" && !inst.ProgramId.Equals(solana.SystemProgramID) {
			continue
		}
		parsed, ok := instructionInfo(inst.Parsed)
		if !ok {
			continue
		}
		switch parsed.Type {
		case "createAccount", "createAccountWithSeed":
		default:
			continue
		}
		info := parsed.Info
		payer, ok := pubkeyField(info, "source")
		if !ok {
			continue
		}
		newAccount, ok := pubkeyField(info, "newAccount")
		if !ok {
			continue
		}
		ops = append(ops, CreateAccountOp{
			Payer:      payer,
			NewAccount: newAccount,
			Lamports:   uintField(info, "lamports"),
			Space:      uintField(info, "space"),
		})
	}
	return ops
}

func pubkeyField(info map[string]interface{}, key string) (solana.PublicKey, bool) {
	s, ok := info[key].(string)
	if !ok {
		return solana.PublicKey{}, false
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, false
	}
	return pk, true
}

func uintField(info map[string]interface{}, key string) uint64 {
	switch v := info[key].(type) {
	case float64:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	default:
		return 0
	}
}

// AccountState returns the current balance and allocated data size, or
// nil, nil when the account no longer exists on the ledger.
func (c *Client) AccountState(ctx context.Context, address solana.PublicKey) (*AccountState, error) {
	callCtx, cancel, err := c.begin(ctx, "getAccountInfo")
	if err != nil {
		return nil, err
	}
	defer cancel()

	start := time.Now()
	out, err := c.rpc.GetAccountInfoWithOpts(callCtx, address, &solanarpc.GetAccountInfoOpts{
		Commitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			observe("getAccountInfo", start, nil)
			return nil, nil
		}
		observe("getAccountInfo", start, err)
		return nil, fmt.Errorf("failed to fetch account info for %s: %w", address, err)
	}
	observe("getAccountInfo", start, nil)
	if out == nil || out.Value == nil {
		return nil, nil
	}

	state := &AccountState{Lamports: out.Value.Lamports}
	if out.Value.Data != nil {
		state.DataSize = uint64(len(out.Value.Data.GetBinary()))
	}
	return state, nil
}

// RentExemptMinimum returns the ledger-policy minimum balance, in lamports,
// for an account of the given data size. Always queried, never hard-coded.
func (c *Client) RentExemptMinimum(ctx context.Context, dataSize uint64) (uint64, error) {
	callCtx, cancel, err := c.begin(ctx, "getMinimumBalanceForRentExemption")
	if err != nil {
		return 0, err
	}
	defer cancel()

	start := time.Now()
	lamports, err := c.rpc.GetMinimumBalanceForRentExemption(callCtx, dataSize, solanarpc.CommitmentConfirmed)
	observe("getMinimumBalanceForRentExemption", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch rent-exempt minimum for size %d: %w", dataSize, err)
	}
	return lamports, nil
}

// SubmitTransfer builds, signs, and submits a system transfer of lamports
// from `from` to `to`, then waits for the ledger to confirm it. The signer is
// accepted per-call and never retained or logged.
func (c *Client) SubmitTransfer(ctx context.Context, from, to solana.PublicKey, lamports uint64, signer solana.PrivateKey) (solana.Signature, error) {
	// The source account must authorize the debit. Failing here is clearer
	// than a generic signing error after the blockhash fetch.
	if !from.Equals(signer.PublicKey()) {
		return solana.Signature{}, fmt.Errorf("signing key does not control source account %s; transfer cannot be authorized", from)
	}

	callCtx, cancel, err := c.begin(ctx, "sendTransaction")
	if err != nil {
		return solana.Signature{}, err
	}
	defer cancel()

	recent, err := c.rpc.GetLatestBlockhash(callCtx, solanarpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to fetch recent blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, from, to).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transfer transaction: %w", err)
	}

	signerPub := signer.PublicKey()
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signerPub) {
			return &signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transfer transaction: %w", err)
	}

	start := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(callCtx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	observe("sendTransaction", start, err)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transfer transaction: %w", err)
	}

	if err := c.waitConfirmed(ctx, sig); err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// waitConfirmed polls signature status until the ledger confirms the
// transaction. This is the gateway's only internal wait; everything else
// surfaces failures to the caller immediately.
func (c *Client) waitConfirmed(ctx context.Context, sig solana.Signature) error {
	deadline := c.clock.Now().Add(c.cfg.ConfirmTimeout)
	for {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		out, err := c.rpc.GetSignatureStatuses(callCtx, true, sig)
		cancel()
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transaction %s failed on ledger: %v", sig, st.Err)
			}
			if st.ConfirmationStatus == solanarpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == solanarpc.ConfirmationStatusFinalized {
				return nil
			}
		} else if err != nil {
			c.log.Debug("ledger: signature status poll failed", "signature", sig.String(), "error", err)
		}

		if c.clock.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for confirmation of %s", sig)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation wait cancelled for %s: %w", sig, ctx.Err())
		case <-c.clock.After(c.cfg.ConfirmInterval):
		}
	}
}
