package cacao

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	isValidSignatureABI = `[{"name":"isValidSignature","type":"function","stateMutability":"view",
		"inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],
		"outputs":[{"name":"magicValue","type":"bytes4"}]}]`

	DefaultRPCURL = "https://rpc.walletconnect.org/v1/"
)

var (
	eip1271MagicValue = []byte{0x16, 0x26, 0xba, 0x7e}
	// eip6492MagicSuffix terminates signatures of accounts that may not be deployed yet.
	eip6492MagicSuffix = common.FromHex("0x6492649264926492649264926492649264926492649264926492649264926492")

	isValidSignature abi.ABI
	eip6492Wrapper   abi.Arguments
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(isValidSignatureABI))
	if err != nil {
		panic(err)
	}
	isValidSignature = parsed
	addressT, _ := abi.NewType("address", "", nil)
	bytesT, _ := abi.NewType("bytes", "", nil)
	eip6492Wrapper = abi.Arguments{{Type: addressT}, {Type: bytesT}, {Type: bytesT}}
}

// ContractCaller is the slice of ethclient.Client the verifier needs.
type ContractCaller interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RPCVerifier resolves one JSON-RPC client per CAIP-2 chain, dialing lazily.
type RPCVerifier struct {
	dial func(ctx context.Context, chainID string) (ContractCaller, error)

	mu      sync.Mutex
	clients map[string]ContractCaller
}

// NewRPCVerifier dials the project RPC endpoint with ethclient for each chain on first use.
func NewRPCVerifier(rpcURL, projectID string) *RPCVerifier {
	if rpcURL == "" {
		rpcURL = DefaultRPCURL
	}
	return NewRPCVerifierWithDialer(func(ctx context.Context, chainID string) (ContractCaller, error) {
		endpoint := rpcURL + "?chainId=" + chainID + "&projectId=" + projectID
		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		return client, nil
	})
}

func NewRPCVerifierWithDialer(dial func(ctx context.Context, chainID string) (ContractCaller, error)) *RPCVerifier {
	return &RPCVerifier{dial: dial, clients: make(map[string]ContractCaller)}
}

func (v *RPCVerifier) client(ctx context.Context, chainID string) (ContractCaller, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.clients[chainID]; ok {
		return c, nil
	}
	c, err := v.dial(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	v.clients[chainID] = c
	return c, nil
}

// VerifySmartAccount runs EIP-1271 isValidSignature, unwrapping EIP-6492 signatures first.
// Undeployed EIP-6492 accounts are reported as ErrCounterfactualAccount, not simulated.
func (v *RPCVerifier) VerifySmartAccount(ctx context.Context, chainID string, account common.Address, hash common.Hash, signature []byte) error {
	c, err := v.client(ctx, chainID)
	if err != nil {
		return err
	}
	code, err := c.CodeAt(ctx, account, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	if IsEIP6492(signature) {
		if len(code) == 0 {
			return ErrCounterfactualAccount
		}
		_, _, inner, err := UnwrapEIP6492(signature)
		if err != nil {
			return err
		}
		signature = inner
	} else if len(code) == 0 {
		return ErrNotSmartAccount
	}

	data, err := isValidSignature.Pack("isValidSignature", [32]byte(hash), signature)
	if err != nil {
		return err
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &account, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if len(out) < 4 || !bytes.Equal(out[:4], eip1271MagicValue) {
		return ErrSignatureMismatch
	}
	return nil
}

func IsEIP6492(signature []byte) bool {
	return len(signature) >= len(eip6492MagicSuffix) && bytes.HasSuffix(signature, eip6492MagicSuffix)
}

// UnwrapEIP6492 splits abi.encode(factory, factoryCalldata, signature) ++ magic suffix.
func UnwrapEIP6492(signature []byte) (common.Address, []byte, []byte, error) {
	if !IsEIP6492(signature) {
		return common.Address{}, nil, nil, fmt.Errorf("%w: missing eip6492 suffix", ErrInvalidSignature)
	}
	values, err := eip6492Wrapper.Unpack(signature[:len(signature)-len(eip6492MagicSuffix)])
	if err != nil || len(values) != 3 {
		return common.Address{}, nil, nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	factory, ok1 := values[0].(common.Address)
	calldata, ok2 := values[1].([]byte)
	inner, ok3 := values[2].([]byte)
	if !ok1 || !ok2 || !ok3 {
		return common.Address{}, nil, nil, fmt.Errorf("%w: unexpected eip6492 layout", ErrInvalidSignature)
	}
	return factory, calldata, inner, nil
}

// WrapEIP6492 is the inverse of UnwrapEIP6492.
func WrapEIP6492(factory common.Address, calldata, signature []byte) ([]byte, error) {
	packed, err := eip6492Wrapper.Pack(factory, calldata, signature)
	if err != nil {
		return nil, err
	}
	return append(packed, eip6492MagicSuffix...), nil
}
