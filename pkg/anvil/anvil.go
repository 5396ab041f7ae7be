// Package anvil talks to a node's admin JSON-RPC surface.
package anvil

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps a JSON-RPC connection to a single node.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the node's HTTP RPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing node: %w", err)
	}
	return &Client{rpc: c}, nil
}

// Close releases the connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// WaitReady blocks until the node answers a liveness probe, polling every
// interval. It returns the context error if the bound elapses first.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var version string
		if err := c.rpc.CallContext(ctx, &version, "web3_clientVersion"); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetBalance sets an account's balance in wei.
func (c *Client) SetBalance(ctx context.Context, addr common.Address, wei *big.Int) error {
	return c.rpc.CallContext(ctx, nil, "anvil_setBalance", addr, hexutil.EncodeBig(wei))
}

// SetCode replaces the deployed bytecode at an address.
func (c *Client) SetCode(ctx context.Context, addr common.Address, bytecode string) error {
	return c.rpc.CallContext(ctx, nil, "anvil_setCode", addr, bytecode)
}

// SetStorageAt writes a raw storage slot.
func (c *Client) SetStorageAt(ctx context.Context, addr common.Address, slot, value string) error {
	return c.rpc.CallContext(ctx, nil, "anvil_setStorageAt", addr, slot, value)
}

// AutoImpersonateAccount toggles automatic sender impersonation.
func (c *Client) AutoImpersonateAccount(ctx context.Context, enabled bool) error {
	return c.rpc.CallContext(ctx, nil, "anvil_autoImpersonateAccount", enabled)
}
