// Account-family lock construction. Locks are HTLC contracts deployed
// through a factory with CREATE2, so the contract address is derivable
// offline from the lock parameters alone: both parties compute the same
// address and compare before any funds move.
package htlc

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tidelock-exchange/tidelock/internal/errs"
)

// The factory is deployed at the same address on every supported chain
// via deterministic deployment. Its init code is fixed; per-swap
// parameters are read back by the child contract during construction,
// so the CREATE2 init code hash is a chain-independent constant.
var (
	htlcFactoryAddress = common.HexToAddress("0x9e2f5c33b1ba7a15a3c031e588aa8a4b74e77b2d")
	htlcInitCodeHash   = common.HexToHash("0x69b6b1b29b7b36086d87f2aed1c1ae45770c0a7a58e5978e515b25eb3a7f1eb8")
)

// Method selectors and event topic of the HTLC child contract.
var (
	claimSelector  = crypto.Keccak256([]byte("claim(bytes32)"))[:4]
	refundSelector = crypto.Keccak256([]byte("refund()"))[:4]

	// ClaimedEventTopic is the topic of the Claimed(bytes32 secret) event
	// emitted on a successful claim. Verifiers match logs against it.
	ClaimedEventTopic = common.BytesToHash(crypto.Keccak256([]byte("Claimed(bytes32)")))
)

// Gas limits for settlement calls, used for fee calculation.
const (
	ClaimGasLimit  = 120000
	RefundGasLimit = 90000
)

var lockArgs abi.Arguments

func init() {
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	uint256Ty, _ := abi.NewType("uint256", "", nil)

	lockArgs = abi.Arguments{
		{Name: "sender", Type: addressTy},
		{Name: "receiver", Type: addressTy},
		{Name: "amount", Type: uint256Ty},
		{Name: "secretHash", Type: bytes32Ty},
		{Name: "timelock", Type: uint256Ty},
	}
}

// EncodeLockArgs ABI-encodes the lock parameters the factory consumes.
func EncodeLockArgs(sender, receiver common.Address, amount *big.Int, secretHash [32]byte, timelockUnix int64) ([]byte, error) {
	packed, err := lockArgs.Pack(sender, receiver, amount, secretHash, big.NewInt(timelockUnix))
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock args: %w", err)
	}
	return packed, nil
}

// DecodeLockArgs is the inverse of EncodeLockArgs.
func DecodeLockArgs(data []byte) (sender, receiver common.Address, amount *big.Int, secretHash [32]byte, timelockUnix int64, err error) {
	vals, err := lockArgs.Unpack(data)
	if err != nil {
		return common.Address{}, common.Address{}, nil, [32]byte{}, 0,
			fmt.Errorf("%w: malformed lock args: %v", errs.ErrMismatch, err)
	}
	sender = vals[0].(common.Address)
	receiver = vals[1].(common.Address)
	amount = vals[2].(*big.Int)
	secretHash = vals[3].([32]byte)
	timelockUnix = vals[4].(*big.Int).Int64()
	return sender, receiver, amount, secretHash, timelockUnix, nil
}

// DeriveLockAddress computes the CREATE2 address of the HTLC contract for
// the given encoded lock args. The salt commits to every parameter, so
// two different locks can never share an address.
func DeriveLockAddress(encodedArgs []byte) (common.Address, common.Hash) {
	salt := common.BytesToHash(crypto.Keccak256(encodedArgs))
	addr := crypto.CreateAddress2(htlcFactoryAddress, salt, htlcInitCodeHash.Bytes())
	return addr, salt
}

// buildContractLock derives the full construct for an account_contract leg.
func buildContractLock(params LockParams) (*Construct, error) {
	var secretHash [32]byte
	copy(secretHash[:], params.SecretHash)

	sender := common.BytesToAddress(params.SenderKey)
	receiver := common.BytesToAddress(params.ReceiverKey)

	encoded, err := EncodeLockArgs(sender, receiver, params.Amount, secretHash, params.TimelockUnix)
	if err != nil {
		return nil, err
	}

	addr, salt := DeriveLockAddress(encoded)

	return &Construct{
		Family:       params.Chain.Family,
		Address:      addr.Hex(),
		Script:       encoded,
		ScriptHash:   salt.Bytes(),
		SecretHash:   params.SecretHash,
		TimelockUnix: params.TimelockUnix,
	}, nil
}

// ClaimCalldata builds the calldata for claim(bytes32 secret).
func ClaimCalldata(secret []byte) ([]byte, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d", errs.ErrValidation, SecretSize, len(secret))
	}
	data := make([]byte, 0, 4+SecretSize)
	data = append(data, claimSelector...)
	data = append(data, secret...)
	return data, nil
}

// RefundCalldata builds the calldata for refund().
func RefundCalldata() []byte {
	out := make([]byte, 4)
	copy(out, refundSelector)
	return out
}

// ExtractSecretFromCalldata pulls the secret out of claim calldata if it
// matches secretHash. Returns nil for refund calls, foreign calls, or a
// non-matching preimage.
func ExtractSecretFromCalldata(data, secretHash []byte) []byte {
	if len(data) != 4+SecretSize {
		return nil
	}
	for i := 0; i < 4; i++ {
		if data[i] != claimSelector[i] {
			return nil
		}
	}
	secret := data[4:]
	if !VerifySecret(secret, secretHash) {
		return nil
	}
	return secret
}
