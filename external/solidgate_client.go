package external

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"time"

	extErrors "github.com/pkg/errors"
)

const (
	solidgateGateBase          = "https://gate.solidgate.com/api/v1"
	solidgateSubscriptionsBase = "https://subscriptions.solidgate.com/api/v1"
)

// SolidgateClient signs and sends requests to the Solidgate gate and
// subscriptions APIs.
type SolidgateClient struct {
	publicKey string
	secretKey string
	gateBase  string
	subsBase  string
	client    *http.Client
}

func NewSolidgateClient(publicKey, secretKey string) *SolidgateClient {
	return &SolidgateClient{
		publicKey: publicKey,
		secretKey: secretKey,
		gateBase:  solidgateGateBase,
		subsBase:  solidgateSubscriptionsBase,
		client: &http.Client{
			Timeout: time.Second * 15,
		},
	}
}

// SolidgateSignature computes the request signature: hex hmac-sha512 of
// publicKey+body+publicKey, base64 encoded. Webhook verification uses
// the same scheme over the inbound body.
func SolidgateSignature(publicKey, secretKey string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write([]byte(publicKey))
	mac.Write(body)
	mac.Write([]byte(publicKey))
	digest := hex.EncodeToString(mac.Sum(nil))
	return base64.StdEncoding.EncodeToString([]byte(digest))
}

// VerifySignature checks an inbound webhook signature
func (c *SolidgateClient) VerifySignature(body []byte, signature string) bool {
	expected := SolidgateSignature(c.publicKey, c.secretKey, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (c *SolidgateClient) post(ctx context.Context, base, uri string, payload interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, extErrors.Wrap(err, "Cannot encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+uri, bytes.NewReader(body))
	if err != nil {
		return 0, nil, extErrors.Wrap(err, "Cannot build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("merchant", c.publicKey)
	req.Header.Set("signature", SolidgateSignature(c.publicKey, c.secretKey, body))

	res, err := c.client.Do(req)
	if err != nil {
		return 0, nil, extErrors.Wrap(err, "Request to Solidgate failed")
	}
	defer res.Body.Close()

	resBody, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return 0, nil, extErrors.Wrap(err, "Cannot read response body")
	}
	return res.StatusCode, resBody, nil
}

// PostGate sends a signed request to the payments gate (charges)
func (c *SolidgateClient) PostGate(ctx context.Context, uri string, payload interface{}) (int, []byte, error) {
	return c.post(ctx, c.gateBase, uri, payload)
}

// PostSubscriptions sends a signed request to the subscriptions API
func (c *SolidgateClient) PostSubscriptions(ctx context.Context, uri string, payload interface{}) (int, []byte, error) {
	return c.post(ctx, c.subsBase, uri, payload)
}
