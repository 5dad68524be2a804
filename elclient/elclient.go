// Package elclient adapts a single execution-layer endpoint: a WebSocket
// subscription to newHeads, and the HTTP JSON-RPC calls needed to fetch a
// block and its execution witness.
package elclient

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// Endpoint is one configured EL node: an HTTP URL for JSON-RPC calls and a
// WebSocket URL for newHeads subscriptions.
type Endpoint struct {
	Name  string
	URL   string
	WSURL string
}

// Client wraps a single EL endpoint's HTTP and WebSocket connections.
type Client struct {
	Name string

	httpRPC *rpc.Client
	wsRPC   *rpc.Client
	eth     *ethclient.Client
}

// Dial connects both the HTTP and WebSocket legs of an endpoint. The HTTP
// leg is required; the WS leg is optional (some endpoints are fetch-only,
// used purely by ElDataService and never subscribed to directly).
func Dial(ctx context.Context, ep Endpoint) (*Client, error) {
	httpRPC, err := rpc.DialContext(ctx, ep.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial EL endpoint %s", ep.Name)
	}
	c := &Client{
		Name:    ep.Name,
		httpRPC: httpRPC,
		eth:     ethclient.NewClient(httpRPC),
	}
	if ep.WSURL != "" {
		wsRPC, err := rpc.DialContext(ctx, ep.WSURL)
		if err != nil {
			return nil, errors.Wrapf(err, "could not dial EL websocket endpoint %s", ep.Name)
		}
		c.wsRPC = wsRPC
	}
	return c, nil
}

// Close tears down both RPC connections.
func (c *Client) Close() {
	if c.httpRPC != nil {
		c.httpRPC.Close()
	}
	if c.wsRPC != nil {
		c.wsRPC.Close()
	}
}

// SubscribeNewHeads subscribes to newHeads over the websocket leg. Callers
// own the returned subscription and must call Unsubscribe on shutdown.
func (c *Client) SubscribeNewHeads(ctx context.Context, headers chan<- *types.Header) (ethereum.Subscription, error) {
	if c.wsRPC == nil {
		return nil, errors.Errorf("endpoint %s has no websocket URL configured", c.Name)
	}
	wsEth := ethclient.NewClient(c.wsRPC)
	sub, err := wsEth.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, errors.Wrapf(err, "could not subscribe to newHeads on %s", c.Name)
	}
	return sub, nil
}

// BlockByHash fetches a block's raw JSON representation via
// eth_getBlockByHash(hash, false).
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	ctx, span := trace.StartSpan(ctx, "elclient.BlockByHash")
	defer span.End()

	var raw json.RawMessage
	if err := c.httpRPC.CallContext(ctx, &raw, "eth_getBlockByHash", hash, false); err != nil {
		return nil, errors.Wrapf(err, "eth_getBlockByHash failed on %s", c.Name)
	}
	if raw == nil {
		return nil, nil
	}
	return raw, nil
}

// ExecutionWitnessByBlockHash fetches the opaque stateless-execution witness
// for a block via debug_executionWitnessByBlockHash.
func (c *Client) ExecutionWitnessByBlockHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	ctx, span := trace.StartSpan(ctx, "elclient.ExecutionWitnessByBlockHash")
	defer span.End()

	var raw json.RawMessage
	if err := c.httpRPC.CallContext(ctx, &raw, "debug_executionWitnessByBlockHash", hash); err != nil {
		return nil, errors.Wrapf(err, "debug_executionWitnessByBlockHash failed on %s", c.Name)
	}
	if raw == nil {
		return nil, nil
	}
	return raw, nil
}

// ChainConfig fetches the endpoint's chain configuration once at startup, via
// debug_chainConfig. Failures here are non-fatal (see node package).
func (c *Client) ChainConfig(ctx context.Context) (json.RawMessage, error) {
	ctx, span := trace.StartSpan(ctx, "elclient.ChainConfig")
	defer span.End()

	var raw json.RawMessage
	if err := c.httpRPC.CallContext(ctx, &raw, "debug_chainConfig"); err != nil {
		return nil, errors.Wrapf(err, "debug_chainConfig failed on %s", c.Name)
	}
	return raw, nil
}
