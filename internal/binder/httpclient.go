package binder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brume-vpn/brume/internal/model"
)

// networkTimeout bounds every binder round trip.
const networkTimeout = 120 * time.Second

// HTTPClient is a [Client] speaking JSON over HTTP(S) to the binder
// front end. Deployments that reach the binder through a domain-fronted
// or otherwise covert channel wrap the underlying http.RoundTripper.
type HTTPClient struct {
	// BaseURL is the binder base URL.
	BaseURL string

	// Logger is the logger to use.
	Logger model.Logger

	// HTTPClient is the underlying client; http.DefaultClient when nil.
	HTTPClient *http.Client
}

var _ Client = &HTTPClient{}

// NewHTTPClient creates an [HTTPClient] for the given base URL.
func NewHTTPClient(logger model.Logger, baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: networkTimeout},
	}
}

// EpochSigningKey implements Client.
func (c *HTTPClient) EpochSigningKey(ctx context.Context, tier string, epoch uint64) ([]byte, error) {
	query := url.Values{
		"tier":  []string{tier},
		"epoch": []string{strconv.FormatUint(epoch, 10)},
	}
	var resp struct {
		SigningKey []byte `json:"signing_key"`
	}
	if err := c.roundTrip(ctx, "GET", "/v1/epoch-key?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.SigningKey, nil
}

// Authenticate implements Client.
func (c *HTTPClient) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResponse, error) {
	resp := &AuthResponse{}
	if err := c.roundTrip(ctx, "POST", "/v1/authenticate", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// FetchBridges implements Client.
func (c *HTTPClient) FetchBridges(ctx context.Context, cred *model.Credential) ([]*model.BridgeDescriptor, error) {
	req := struct {
		Tier               string `json:"tier"`
		Epoch              uint64 `json:"epoch"`
		UnblindedDigest    []byte `json:"unblinded_digest"`
		UnblindedSignature []byte `json:"unblinded_signature"`
	}{cred.Tier, cred.Epoch, cred.UnblindedDigest, cred.UnblindedSignature}
	var resp struct {
		Bridges []*model.BridgeDescriptor `json:"bridges"`
	}
	if err := c.roundTrip(ctx, "POST", "/v1/bridges", &req, &resp); err != nil {
		return nil, err
	}
	return resp.Bridges, nil
}

// roundTrip performs one JSON request/response exchange.
func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		c.Logger.Warnf("binder: %s %s: %s", method, path, err.Error())
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	case http.StatusConflict:
		return ErrWrongTier
	default:
		return fmt.Errorf("binder: unexpected status: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, respBody)
}
