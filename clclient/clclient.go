// Package clclient adapts a single consensus-layer beacon node: its HTTP
// API for syncing status, identity, headers and blocks, the SSE head event
// stream, and execution-proof submission.
package clclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/r3labs/sse"

	"github.com/eth-act/zkboost-sentry/types"
)

// Endpoint is one configured CL node.
type Endpoint struct {
	Name string
	URL  string
}

// Client wraps a single CL endpoint's HTTP API.
type Client struct {
	Name string
	url  string
	http *http.Client
}

// defaultTimeout governs every CL HTTP call, including each individual
// attempt of the proof-submission retry loop.
const defaultTimeout = 10 * time.Second

// New builds a Client for a CL endpoint.
func New(ep Endpoint) *Client {
	return &Client{Name: ep.Name, url: strings.TrimRight(ep.URL, "/"), http: &http.Client{Timeout: defaultTimeout}}
}

// HeadEvent is the decoded payload of an SSE "head" event.
type HeadEvent struct {
	Slot                   types.Slot `json:"slot,string"`
	Block                  string     `json:"block"`
	State                  string     `json:"state"`
	EpochTransition        bool       `json:"epoch_transition"`
	ExecutionOptimistic    bool       `json:"execution_optimistic"`
}

// SubscribeHead opens an SSE subscription to /eth/v1/events?topics=head and
// decodes events onto the returned channel. The subscription runs until ctx
// is cancelled; callers should treat a closed channel as end-of-stream and
// reconnect per the service's own policy.
func (c *Client) SubscribeHead(ctx context.Context) (<-chan HeadEvent, error) {
	sseClient := sse.NewClient(c.url + "/eth/v1/events?topics=head")
	out := make(chan HeadEvent, 64)
	events := make(chan *sse.Event)

	if err := sseClient.SubscribeChanRawWithContext(ctx, events); err != nil {
		return nil, errors.Wrapf(err, "could not subscribe to head events on %s", c.Name)
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				var headEvent HeadEvent
				if err := json.Unmarshal(ev.Data, &headEvent); err != nil {
					continue
				}
				select {
				case out <- headEvent:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// HeadSlot queries /eth/v1/node/syncing for the node's current head slot.
func (c *Client) HeadSlot(ctx context.Context) (types.Slot, error) {
	var resp struct {
		Data struct {
			HeadSlot string `json:"head_slot"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/eth/v1/node/syncing", &resp); err != nil {
		return 0, errors.Wrapf(err, "could not query head slot on %s", c.Name)
	}
	slot, err := strconv.ParseUint(resp.Data.HeadSlot, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "could not parse head slot")
	}
	return types.Slot(slot), nil
}

// SupportsZkProofs queries /eth/v1/node/identity and reports whether the
// node's ENR advertises the "zkvm" feature flag.
func (c *Client) SupportsZkProofs(ctx context.Context) (bool, error) {
	var resp struct {
		Data struct {
			ENR string `json:"enr"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/eth/v1/node/identity", &resp); err != nil {
		return false, errors.Wrapf(err, "could not query identity on %s", c.Name)
	}
	return strings.Contains(resp.Data.ENR, "zkvm"), nil
}

// BlockExecutionHash resolves the execution-payload block hash for a beacon
// block identified by slot or root, via GET /eth/v2/beacon/blocks/{id}. The
// second return is false if the block has no execution payload (e.g.
// pre-Bellatrix). An empty slot, answered with a non-200 status, is returned
// as an error.
func (c *Client) BlockExecutionHash(ctx context.Context, idOrSlot string) (types.BlockHash, bool, error) {
	var resp struct {
		Data struct {
			Message struct {
				Body struct {
					ExecutionPayload *struct {
						BlockHash string `json:"block_hash"`
					} `json:"execution_payload"`
				} `json:"body"`
			} `json:"message"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/eth/v2/beacon/blocks/"+idOrSlot, &resp); err != nil {
		return types.BlockHash{}, false, err
	}
	payload := resp.Data.Message.Body.ExecutionPayload
	if payload == nil || payload.BlockHash == "" {
		return types.BlockHash{}, false, nil
	}
	hash, err := parseHash32(payload.BlockHash)
	if err != nil {
		return types.BlockHash{}, false, errors.Wrap(err, "could not parse execution block hash")
	}
	return hash, true, nil
}

// SubmitProof posts a completed proof to /eth/v1/beacon/pool/execution_proofs.
// A response body containing "already known" is treated as success.
func (c *Client) SubmitProof(ctx context.Context, pt types.ProofType, slot types.Slot, blockHash types.BlockHash, blockRoot types.BlockRoot, proofData []byte) error {
	body, err := json.Marshal(struct {
		ProofID   byte   `json:"proof_id"`
		Slot      string `json:"slot"`
		BlockHash string `json:"block_hash"`
		BlockRoot string `json:"block_root"`
		ProofData string `json:"proof_data"`
	}{
		ProofID:   pt.ProofID,
		Slot:      fmt.Sprintf("%d", slot),
		BlockHash: blockHash.String(),
		BlockRoot: blockRoot.String(),
		ProofData: encodeBase64(proofData),
	})
	if err != nil {
		return errors.Wrap(err, "could not marshal proof submission")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/eth/v1/beacon/pool/execution_proofs", newReader(body))
	if err != nil {
		return errors.Wrap(err, "could not build proof submission request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "could not submit proof to %s", c.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody := readAll(resp.Body)
	if strings.Contains(string(respBody), "already known") {
		return nil
	}
	return errors.Errorf("proof submission to %s failed with status %d: %s", c.Name, resp.StatusCode, respBody)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

