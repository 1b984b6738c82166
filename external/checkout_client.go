package external

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"time"

	extErrors "github.com/pkg/errors"
)

const checkoutAPIBase = "https://api.checkout.com"

// CheckoutClient talks to the Checkout.com Unified Payments API.
type CheckoutClient struct {
	secretKey string
	base      string
	client    *http.Client
}

func NewCheckoutClient(secretKey string) *CheckoutClient {
	return &CheckoutClient{
		secretKey: secretKey,
		base:      checkoutAPIBase,
		client: &http.Client{
			Timeout: time.Second * 15,
		},
	}
}

func (c *CheckoutClient) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("Authorization", c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return 0, nil, extErrors.Wrap(err, "Request to Checkout failed")
	}
	defer res.Body.Close()

	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return 0, nil, extErrors.Wrap(err, "Cannot read response body")
	}
	return res.StatusCode, body, nil
}

func (c *CheckoutClient) Post(ctx context.Context, uri string, payload interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, extErrors.Wrap(err, "Cannot encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+uri, bytes.NewReader(body))
	if err != nil {
		return 0, nil, extErrors.Wrap(err, "Cannot build request")
	}
	return c.do(req)
}

func (c *CheckoutClient) Get(ctx context.Context, uri string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+uri, nil)
	if err != nil {
		return 0, nil, extErrors.Wrap(err, "Cannot build request")
	}
	return c.do(req)
}
