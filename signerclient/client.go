// Package signerclient reaches the external threshold-signing process over
// its local HTTP API. The guard never sees key material; it only exchanges
// serialized transactions and per-input commitment values.
package signerclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	guarderrors "github.com/bridgenet/guard-node/errors"
)

const defaultTimeout = 30 * time.Second

// Client implements multisig.PartialSigner against the signing process API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// New creates a signer client for the given base URL.
func New(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger.With().Str("component", "signer_client").Logger(),
	}
}

type commitRequest struct {
	Tx string `json:"tx"`
}

type commitResponse struct {
	Commitments []string `json:"commitments"`
}

type signRequest struct {
	Tx          string           `json:"tx"`
	Commitments map[int][]string `json:"commitments"`
	Signed      []int            `json:"signed"`
	Simulated   []int            `json:"simulated"`
}

type signResponse struct {
	Tx string `json:"tx"`
}

// Commit asks the signing process for this guard's first-round per-input
// commitment values for the given transaction.
func (c *Client) Commit(ctx context.Context, txBytes []byte) ([]string, error) {
	var resp commitResponse
	err := c.post(ctx, "/commit", &commitRequest{Tx: hex.EncodeToString(txBytes)}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Commitments, nil
}

// Sign folds this guard's signature share into the transaction given the
// agreed commitments and the signed/simulated index split.
func (c *Client) Sign(ctx context.Context, txBytes []byte, commitments map[int][]string, signed, simulated []int) ([]byte, error) {
	req := &signRequest{
		Tx:          hex.EncodeToString(txBytes),
		Commitments: commitments,
		Signed:      signed,
		Simulated:   simulated,
	}
	var resp signResponse
	if err := c.post(ctx, "/sign", req, &resp); err != nil {
		return nil, err
	}
	out, err := hex.DecodeString(resp.Tx)
	if err != nil {
		return nil, errors.Wrap(err, "signing process returned malformed transaction")
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s request", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "failed to build %s request", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Signing process restarts are routine; callers retry.
		return guarderrors.Transient(errors.Wrapf(err, "signing process unreachable at %s", c.baseURL))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return guarderrors.Transient(errors.Wrapf(err, "failed to read %s response", path))
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("signing process %s returned %d: %s", path, resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to unmarshal %s response", path)
	}
	return nil
}
