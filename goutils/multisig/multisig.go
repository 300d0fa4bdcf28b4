package multisig

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	"mech/goutils/smartcontract/bindings"
)

// operationCall is the wallet's plain CALL operation kind.
const operationCall = uint8(0)

// ethSignVOffset marks the signature as personal-message (eth_sign) signed
// so the wallet's verifier hashes the prefix before recovery.
const ethSignVOffset = 4

// MetaTx is a fully signed multisig meta-transaction, ready to be wrapped in
// an execTransaction call and submitted like any other transaction.
type MetaTx struct {
	Params    *bindings.SafeTxParams
	Nonce     *big.Int
	Hash      common.Hash
	Signature []byte
}

// BuildMetaTx constructs and signs the wallet-internal transaction for an
// inner call. The wallet nonce is read immediately before hash computation,
// never cached, and the hash to sign comes from the wallet contract itself.
func BuildMetaTx(ctx context.Context, caller bindings.ContractCaller, safe *bindings.Safe, privKey *ecdsa.PrivateKey, to common.Address, data []byte) (*MetaTx, error) {
	params := &bindings.SafeTxParams{
		To:        to,
		Value:     big.NewInt(0),
		Data:      data,
		Operation: operationCall,
		// the outer transaction carries real gas pricing
		SafeTxGas:      big.NewInt(0),
		BaseGas:        big.NewInt(0),
		GasPrice:       big.NewInt(0),
		GasToken:       common.Address{},
		RefundReceiver: common.Address{},
	}

	nonce, err := safe.Nonce(ctx, caller)
	if err != nil {
		log.WithError(err).Error("failed to read wallet nonce")

		return nil, err
	}

	hash, err := safe.GetTransactionHash(ctx, caller, params, nonce)
	if err != nil {
		log.WithError(err).Error("failed to get wallet transaction hash")

		return nil, err
	}

	signature, err := SignSafeHash(privKey, hash)
	if err != nil {
		log.WithError(err).Error("failed to sign wallet transaction hash")

		return nil, err
	}

	log.WithField("safeTxHash", hash.Hex()).WithField("walletNonce", nonce).
		Debug("multisig meta-transaction signed")

	return &MetaTx{
		Params:    params,
		Nonce:     nonce,
		Hash:      hash,
		Signature: signature,
	}, nil
}

// SignSafeHash signs an externally supplied wallet transaction hash with the
// personal-message convention and offsets the recovery byte to signal that
// convention to the wallet's signature verifier.
func SignSafeHash(privKey *ecdsa.PrivateKey, hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), privKey)
	if err != nil {
		return nil, err
	}

	sig[64] += 27 // Transform V from 0/1 to 27/28 according to the yellow paper
	sig[64] += ethSignVOffset

	return sig, nil
}

// PackExec wraps the signed meta-transaction into execTransaction calldata
// for the outer submission.
func (m *MetaTx) PackExec(safe *bindings.Safe) ([]byte, error) {
	return safe.PackExecTransaction(m.Params, m.Signature)
}
