package settlement

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tranchepool/native/vault"
)

const responseBodyLimit = 1 << 20 // 1 MiB

// Client talks to the external servicing platform that holds the deposit
// asset and the underlying receivables. It implements the engine's transfer,
// adapter, and custody boundaries. Requests carry an HMAC signature so the
// platform can authenticate the pool.
type Client struct {
	baseURL *url.URL
	secret  []byte
	client  *http.Client
}

// Option mutates client configuration.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for platform calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// New constructs a settlement client for the given platform base URL.
func New(base string, secret []byte, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, errors.New("settlement: base url required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("settlement: parse base url: %w", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("settlement: secret required")
	}
	return &Client{
		baseURL: parsed,
		secret:  append([]byte(nil), secret...),
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type transferRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type termsResponse struct {
	Principal       string `json:"principal"`
	Repayment       string `json:"repayment"`
	CollateralValue string `json:"collateralValue"`
	Maturity        uint64 `json:"maturityTimestamp"`
	DurationTotal   uint64 `json:"durationSeconds"`
	Collateral      string `json:"collateral"`
	Borrower        string `json:"borrower"`
}

type statusResponse struct {
	Repaid     bool `json:"repaid"`
	Expired    bool `json:"expired"`
	Liquidated bool `json:"liquidated"`
}

type releaseRequest struct {
	Liquidator string `json:"liquidator"`
}

// Pull debits the depositor on the platform ledger.
func (c *Client) Pull(from common.Address, amount *big.Int) error {
	return c.post("/transfers/pull", transferRequest{Address: from.Hex(), Amount: amount.String()}, nil)
}

// Push credits the recipient on the platform ledger.
func (c *Client) Push(to common.Address, amount *big.Int) error {
	return c.post("/transfers/push", transferRequest{Address: to.Hex(), Amount: amount.String()}, nil)
}

// Terms fetches the normalized receivable terms.
func (c *Client) Terms(reference string) (vault.LoanTerms, error) {
	var resp termsResponse
	if err := c.get("/receivables/"+url.PathEscape(reference), &resp); err != nil {
		return vault.LoanTerms{}, err
	}
	principal, err := parseBig(resp.Principal)
	if err != nil {
		return vault.LoanTerms{}, fmt.Errorf("settlement: principal: %w", err)
	}
	repayment, err := parseBig(resp.Repayment)
	if err != nil {
		return vault.LoanTerms{}, fmt.Errorf("settlement: repayment: %w", err)
	}
	collateralValue, err := parseBig(resp.CollateralValue)
	if err != nil {
		return vault.LoanTerms{}, fmt.Errorf("settlement: collateral value: %w", err)
	}
	if !common.IsHexAddress(resp.Borrower) {
		return vault.LoanTerms{}, fmt.Errorf("settlement: invalid borrower %q", resp.Borrower)
	}
	return vault.LoanTerms{
		Principal:       principal,
		Repayment:       repayment,
		CollateralValue: collateralValue,
		Maturity:        resp.Maturity,
		DurationTotal:   resp.DurationTotal,
		Collateral:      resp.Collateral,
		Borrower:        common.HexToAddress(resp.Borrower),
	}, nil
}

// IsRepaid reports whether the platform regards the receivable as repaid.
func (c *Client) IsRepaid(reference string) (bool, error) {
	status, err := c.status(reference)
	return status.Repaid, err
}

// IsExpired reports whether the receivable is past due on the platform.
func (c *Client) IsExpired(reference string) (bool, error) {
	status, err := c.status(reference)
	return status.Expired, err
}

// IsLiquidated reports whether the platform has liquidated the collateral.
func (c *Client) IsLiquidated(reference string) (bool, error) {
	status, err := c.status(reference)
	return status.Liquidated, err
}

// Release hands the collateral claim to the liquidator.
func (c *Client) Release(reference string, liquidator common.Address) error {
	path := "/receivables/" + url.PathEscape(reference) + "/collateral/release"
	return c.post(path, releaseRequest{Liquidator: liquidator.Hex()}, nil)
}

func (c *Client) status(reference string) (statusResponse, error) {
	var resp statusResponse
	err := c.get("/receivables/"+url.PathEscape(reference)+"/status", &resp)
	return resp, err
}

func (c *Client) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *Client) post(path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("settlement: encode request: %w", err)
	}
	return c.do(http.MethodPost, path, payload, out)
}

func (c *Client) do(method, path string, body []byte, out interface{}) error {
	target := c.baseURL.JoinPath(path)
	req, err := http.NewRequest(method, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("settlement: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pool-Signature", c.sign(body))
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("settlement: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return fmt.Errorf("settlement: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("settlement: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("settlement: decode response: %w", err)
	}
	return nil
}

func (c *Client) sign(body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func parseBig(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("value required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value %q", raw)
	}
	return value, nil
}
