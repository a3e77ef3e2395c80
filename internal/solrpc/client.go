// Package solrpc is the unary JSON-RPC node: the fallback source for
// blockhashes and accounts and the direct transaction submission path.
package solrpc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/models"
)

type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	log        *zap.Logger
}

func New(endpoint, commitment string, log *zap.Logger) *Client {
	if commitment == "" {
		commitment = string(rpc.CommitmentConfirmed)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		rpc:        rpc.New(endpoint),
		commitment: rpc.CommitmentType(commitment),
		log:        log.With(zap.String("component", "solrpc")),
	}
}

func (c *Client) LatestBlockhash(ctx context.Context) (models.Blockhash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return models.Blockhash{}, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return models.Blockhash{}, fmt.Errorf("getLatestBlockhash: empty result")
	}
	return models.Blockhash{
		Blockhash:            out.Value.Blockhash.String(),
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
		Slot:                 out.Context.Slot,
	}, nil
}

// FetchAccount returns apperr.ErrNotFound when the account does not exist.
func (c *Client) FetchAccount(ctx context.Context, address string) (*models.Account, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, apperr.Validation("invalid address %q: %v", address, err)
	}

	out, err := c.rpc.GetAccountInfoWithOpts(ctx, pk, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) || err == nil && (out == nil || out.Value == nil) {
		return nil, apperr.NotFound("account %s", address)
	}
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", address, err)
	}

	v := out.Value
	acct := &models.Account{
		Address:    address,
		Lamports:   v.Lamports,
		Owner:      v.Owner.String(),
		Executable: v.Executable,
		Slot:       out.Context.Slot,
	}
	if v.Data != nil {
		acct.Data = v.Data.GetBinary()
	}
	if v.RentEpoch != nil && v.RentEpoch.IsUint64() {
		acct.RentEpoch = v.RentEpoch.Uint64()
	}
	return acct, nil
}

// SendTransaction submits one base64-encoded signed transaction and
// returns its signature.
func (c *Client) SendTransaction(ctx context.Context, signedTx string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(signedTx)
	if err != nil {
		return "", apperr.Validation("transaction is not base64: %v", err)
	}
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return "", fmt.Errorf("sendTransaction: %w", err)
	}
	c.log.Info("transaction sent", zap.String("signature", sig.String()))
	return sig.String(), nil
}

func (c *Client) Health(ctx context.Context) error {
	out, err := c.rpc.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("getHealth: %w", err)
	}
	if out != "ok" {
		return fmt.Errorf("node unhealthy: %s", out)
	}
	return nil
}
