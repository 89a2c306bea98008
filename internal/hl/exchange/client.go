package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"hl-delta-bot/internal/hl/rest"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Client signs and posts actions to the venue's /exchange endpoint.
// Nonces are strictly increasing and survive restarts through NonceStore.
type Client struct {
	baseURL      string
	http         *http.Client
	signer       *Signer
	vaultAddress *common.Address
	log          *zap.Logger

	nonceMu    sync.Mutex
	lastNonce  uint64
	nonceStore NonceStore
	nonceKey   string
}

type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

func NewClient(baseURL string, timeout time.Duration, signer *Signer, vaultAddress string, log *zap.Logger) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if baseURL == "" {
		baseURL = "https://api.hyperliquid.xyz"
	}
	var vault *common.Address
	if strings.TrimSpace(vaultAddress) != "" {
		addr := common.HexToAddress(vaultAddress)
		vault = &addr
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: timeout},
		signer:       signer,
		vaultAddress: vault,
		log:          log,
	}, nil
}

func (c *Client) PlaceOrder(ctx context.Context, order OrderWire) (PlaceResult, error) {
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	nonce := c.nextNonce(ctx)
	sig, err := c.signer.SignOrderAction(action, nonce, c.vaultAddress)
	if err != nil {
		return PlaceResult{}, err
	}
	resp, err := c.postAction(ctx, action, sig, nonce, true)
	if err != nil {
		return PlaceResult{}, err
	}
	return ParsePlaceResponse(resp)
}

func (c *Client) CancelOrder(ctx context.Context, asset int, orderID int64) error {
	action := CancelAction{Type: "cancel", Cancels: []CancelWire{{Asset: asset, OrderID: orderID}}}
	nonce := c.nextNonce(ctx)
	sig, err := c.signer.SignCancelAction(action, nonce, c.vaultAddress)
	if err != nil {
		return err
	}
	resp, err := c.postAction(ctx, action, sig, nonce, true)
	if err != nil {
		return err
	}
	return ParseCancelResponse(resp)
}

// USDClassTransfer moves collateral between the perp and spot wallets.
func (c *Client) USDClassTransfer(ctx context.Context, amount float64, toPerp bool) error {
	if amount <= 0 {
		return errors.New("amount must be > 0")
	}
	amountStr := strconv.FormatFloat(amount, 'f', -1, 64)
	if c.vaultAddress != nil {
		amountStr += " subaccount:" + c.vaultAddress.Hex()
	}
	action := USDClassTransferAction{
		Type:   "usdClassTransfer",
		Amount: amountStr,
		ToPerp: toPerp,
		Nonce:  c.nextNonce(ctx),
	}
	sig, err := c.signer.SignUSDClassTransfer(&action)
	if err != nil {
		return err
	}
	resp, err := c.postAction(ctx, action, sig, action.Nonce, false)
	if err != nil {
		return err
	}
	if status, _ := resp["status"].(string); status != "ok" {
		return fmt.Errorf("usd class transfer status %q", status)
	}
	return nil
}

// InitNonceStore seeds the nonce sequence from durable state so a restart
// never reuses a nonce the venue has already seen.
func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	key := fmt.Sprintf("exchange:nonce:%s", strings.ToLower(c.signer.Address().Hex()))
	seed := uint64(time.Now().UnixMilli())
	if raw, ok, err := store.Get(ctx, key); err != nil {
		return err
	} else if ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		if parsed > seed {
			seed = parsed
		}
	}
	c.nonceMu.Lock()
	if seed > c.lastNonce {
		c.lastNonce = seed
	}
	c.nonceStore = store
	c.nonceKey = key
	c.nonceMu.Unlock()
	return nil
}

func (c *Client) nextNonce(ctx context.Context) uint64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	next := uint64(time.Now().UnixMilli())
	if next <= c.lastNonce {
		next = c.lastNonce + 1
	}
	c.lastNonce = next
	if c.nonceStore != nil {
		if err := c.nonceStore.Set(ctx, c.nonceKey, strconv.FormatUint(next, 10)); err != nil {
			c.log.Warn("nonce persistence failed", zap.Error(err))
		}
	}
	return next
}

func (c *Client) postAction(ctx context.Context, action any, sig Signature, nonce uint64, includeVault bool) (map[string]any, error) {
	var vaultAddress *string
	if includeVault && c.vaultAddress != nil {
		addr := c.vaultAddress.Hex()
		vaultAddress = &addr
	}
	payload := SignedAction{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: vaultAddress,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/exchange", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rest.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, rest.ClassifyStatus(resp.StatusCode, string(raw))
	}
	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}
