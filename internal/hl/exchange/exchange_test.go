package exchange

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	errUnexpectedSigLen = errors.New("unexpected signature component length")
	errUnexpectedSigV   = errors.New("unexpected signature v")
)

func mustOrderAction(t *testing.T, cloid string) OrderAction {
	t.Helper()
	order, err := LimitOrderWire(7, true, 0.42, 2500.0, false, TifIoc, cloid)
	if err != nil {
		t.Fatalf("order wire error: %v", err)
	}
	return OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
}

func TestEncodeOrderActionDeterministic(t *testing.T) {
	action := mustOrderAction(t, "open-BTC-1")
	first, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	second, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected deterministic encoding")
	}

	var decoded struct {
		Type   string `msgpack:"type"`
		Orders []struct {
			Asset int    `msgpack:"a"`
			Price string `msgpack:"p"`
			Size  string `msgpack:"s"`
			Cloid string `msgpack:"c"`
		} `msgpack:"orders"`
		Grouping string `msgpack:"grouping"`
	}
	if err := msgpack.Unmarshal(first, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded.Type != "order" || decoded.Grouping != "na" {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}
	if len(decoded.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(decoded.Orders))
	}
	got := decoded.Orders[0]
	if got.Asset != 7 || got.Price != "2500" || got.Size != "0.42" || got.Cloid != "open-BTC-1" {
		t.Fatalf("unexpected order wire: %+v", got)
	}
}

func TestEncodeOrderActionOmitsEmptyCloid(t *testing.T) {
	raw, err := EncodeOrderAction(mustOrderAction(t, ""))
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	orderMap := decoded["orders"].([]any)[0].(map[string]any)
	if _, present := orderMap["c"]; present {
		t.Fatalf("empty cloid must not be encoded")
	}
}

func TestSignerRecover(t *testing.T) {
	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", true)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	action := mustOrderAction(t, "")
	nonce := uint64(1756500000000)
	sig, err := signer.SignOrderAction(action, nonce, nil)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}

	// Recompute the digest independently and recover the signing key.
	payload, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	digest, err := agentTypedDataHash(actionHash(payload, nonce, nil), true)
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	sigBytes, err := signatureBytes(sig)
	if err != nil {
		t.Fatalf("signature bytes error: %v", err)
	}
	pubKey, err := crypto.SigToPub(digest, sigBytes)
	if err != nil {
		t.Fatalf("recover error: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pubKey); recovered != signer.Address() {
		t.Fatalf("expected %s, got %s", signer.Address().Hex(), recovered.Hex())
	}
}

func TestNewSignerRejectsEmptyKey(t *testing.T) {
	if _, err := NewSigner("", true); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := NewSigner("not-hex", true); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}

func signatureBytes(sig Signature) ([]byte, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return nil, err
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		return nil, err
	}
	if len(r) != 32 || len(s) != 32 {
		return nil, errUnexpectedSigLen
	}
	v := sig.V - 27
	if v < 0 || v > 1 {
		return nil, errUnexpectedSigV
	}
	out := append(append([]byte{}, r...), s...)
	return append(out, byte(v)), nil
}
