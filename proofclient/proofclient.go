// Package proofclient adapts the external zk proof engine: the synchronous
// POST /prove call that kicks off a proof generation job and returns its id.
// Proof completion itself arrives out-of-band via the sentry's webhook
// server (see proofsvc), not through this client.
package proofclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/eth-act/zkboost-sentry/types"
)

// Client talks to the proof engine's HTTP API.
type Client struct {
	url  string
	http *http.Client
}

// New builds a Client for the configured proof engine URL.
func New(url string) *Client {
	return &Client{url: strings.TrimRight(url, "/"), http: &http.Client{Timeout: 10 * time.Second}}
}

// StatelessInput is the opaque per-proof-type program input submitted with a
// proving job: the program identifier for that proof type and the witness
// payload to execute against.
type StatelessInput struct {
	ProgramID string
	Input     []byte
}

// Prove submits a stateless-validation proving job and returns the engine's
// job id for later webhook correlation.
func (c *Client) Prove(ctx context.Context, proofType types.ProofType, input StatelessInput) (types.ProofGenId, error) {
	body, err := json.Marshal(struct {
		ProgramID string `json:"program_id"`
		Input     string `json:"input"`
	}{
		ProgramID: input.ProgramID,
		Input:     base64.StdEncoding.EncodeToString(input.Input),
	})
	if err != nil {
		return "", errors.Wrap(err, "could not marshal prove request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/prove", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "could not build prove request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "could not submit proof type %s to engine", proofType)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("proof engine returned status %d for proof type %s", resp.StatusCode, proofType)
	}

	var decoded struct {
		ProofGenId string `json:"proof_gen_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", errors.Wrap(err, "could not decode prove response")
	}
	return types.ProofGenId(decoded.ProofGenId), nil
}
