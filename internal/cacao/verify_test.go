package cacao

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func signedCacao(t *testing.T, now time.Time) (Cacao, *PrivateKeySigner) {
	t.Helper()
	signer, err := GeneratePrivateKeySigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	req := Request{
		Chains: []string{"eip155:1"},
		Domain: "app.example.com",
		Aud:    "https://app.example.com",
		Nonce:  "abc",
		Iat:    now.Format(time.RFC3339),
		Exp:    now.Add(time.Hour).Format(time.RFC3339),
	}
	c, err := Sign(context.Background(), signer, req.PayloadFor(signer.Account("eip155:1")))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return c, signer
}

func TestVerifyEIP191(t *testing.T) {
	now := time.Now().UTC()
	c, _ := signedCacao(t, now)
	v := NewVerifier(nil, nil)
	if err := v.Verify(context.Background(), c, VerifyOptions{Domain: "app.example.com", Now: now}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsWrongAddress(t *testing.T) {
	now := time.Now().UTC()
	c, _ := signedCacao(t, now)
	other, _ := GeneratePrivateKeySigner()
	c.P.Iss = IssuerFor(other.Account("eip155:1"))
	err := NewVerifier(nil, nil).Verify(context.Background(), c, VerifyOptions{Now: now})
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyRejectsExpiredAndEarly(t *testing.T) {
	now := time.Now().UTC()
	c, _ := signedCacao(t, now)
	v := NewVerifier(nil, nil)
	if err := v.Verify(context.Background(), c, VerifyOptions{Now: now.Add(2 * time.Hour)}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	c.P.Nbf = now.Add(time.Minute).Format(time.RFC3339)
	if err := v.Verify(context.Background(), c, VerifyOptions{Now: now}); !errors.Is(err, ErrNotYetValid) {
		t.Fatalf("expected ErrNotYetValid, got %v", err)
	}
}

func TestVerifyRejectsDomainMismatch(t *testing.T) {
	now := time.Now().UTC()
	c, _ := signedCacao(t, now)
	err := NewVerifier(nil, nil).Verify(context.Background(), c, VerifyOptions{Domain: "evil.example.com", Now: now})
	if !errors.Is(err, ErrDomainMismatch) {
		t.Fatalf("expected ErrDomainMismatch, got %v", err)
	}
}

type fakeChain struct {
	code  []byte
	reply []byte
	calls int
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	f.calls++
	return f.reply, nil
}

func smartVerifier(chain *fakeChain) *RPCVerifier {
	return NewRPCVerifierWithDialer(func(context.Context, string) (ContractCaller, error) {
		return chain, nil
	})
}

func contractCacao(now time.Time, sig []byte) Cacao {
	return Cacao{
		H: Header{T: HeaderCAIP122},
		P: Payload{
			Iss:     "did:pkh:eip155:1:" + testAddress,
			Domain:  "app.example.com",
			Aud:     "https://app.example.com",
			Version: "1",
			Nonce:   "n",
			Iat:     now.Format(time.RFC3339),
		},
		S: Signature{T: SignatureEIP1271, S: hexutil.Encode(sig)},
	}
}

func TestVerifyEIP1271(t *testing.T) {
	now := time.Now().UTC()
	magic := append(append([]byte(nil), eip1271MagicValue...), make([]byte, 28)...)
	chain := &fakeChain{code: []byte{0x60, 0x80}, reply: magic}
	v := NewVerifier(smartVerifier(chain), nil)
	if err := v.Verify(context.Background(), contractCacao(now, []byte{1, 2, 3}), VerifyOptions{Now: now}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	chain.reply = make([]byte, 32)
	if err := v.Verify(context.Background(), contractCacao(now, []byte{1, 2, 3}), VerifyOptions{Now: now}); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
	chain.code = nil
	if err := v.Verify(context.Background(), contractCacao(now, []byte{1, 2, 3}), VerifyOptions{Now: now}); !errors.Is(err, ErrNotSmartAccount) {
		t.Fatalf("expected ErrNotSmartAccount, got %v", err)
	}
	if err := NewVerifier(nil, nil).Verify(context.Background(), contractCacao(now, []byte{1}), VerifyOptions{Now: now}); !errors.Is(err, ErrVerifierUnavailable) {
		t.Fatalf("expected ErrVerifierUnavailable, got %v", err)
	}
}

func TestVerifyEIP6492(t *testing.T) {
	now := time.Now().UTC()
	factory := common.HexToAddress("0x00000000000000000000000000000000000000fa")
	wrapped, err := WrapEIP6492(factory, []byte{0xde, 0xad}, []byte{9, 9, 9})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	gotFactory, calldata, inner, err := UnwrapEIP6492(wrapped)
	if err != nil || gotFactory != factory || len(calldata) != 2 || len(inner) != 3 {
		t.Fatalf("unwrap: factory=%s calldata=%x inner=%x err=%v", gotFactory.Hex(), calldata, inner, err)
	}

	chain := &fakeChain{}
	v := NewVerifier(smartVerifier(chain), nil)
	if err := v.Verify(context.Background(), contractCacao(now, wrapped), VerifyOptions{Now: now}); !errors.Is(err, ErrCounterfactualAccount) {
		t.Fatalf("expected ErrCounterfactualAccount, got %v", err)
	}
	chain.code = []byte{0x60}
	chain.reply = append(append([]byte(nil), eip1271MagicValue...), make([]byte, 28)...)
	if err := v.Verify(context.Background(), contractCacao(now, wrapped), VerifyOptions{Now: now}); err != nil {
		t.Fatalf("deployed 6492 account: %v", err)
	}
}

func TestEIP191FallsBackToMismatchForEOA(t *testing.T) {
	now := time.Now().UTC()
	c, _ := signedCacao(t, now)
	other, _ := GeneratePrivateKeySigner()
	c.P.Iss = IssuerFor(other.Account("eip155:1"))
	v := NewVerifier(smartVerifier(&fakeChain{}), nil)
	if err := v.Verify(context.Background(), c, VerifyOptions{Now: now}); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}
