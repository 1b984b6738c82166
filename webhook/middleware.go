package webhook

import (
	"bytes"
	"io/ioutil"
	"net/http"

	resp "github.com/job-escape/users-backend/response"
)

// SignatureVerifier validates an inbound webhook body against its
// signature header. Implemented by external.SolidgateClient.
type SignatureVerifier interface {
	VerifySignature(body []byte, signature string) bool
}

// VerifySignature wraps a webhook router with provider signature
// verification. The body is restored for the inner handler.
func VerifySignature(verifier SignatureVerifier, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := ioutil.ReadAll(r.Body)
			if err != nil {
				resp.WriteError(w, r, resp.ErrBadRequest())
				return
			}
			r.Body.Close()
			if !verifier.VerifySignature(body, r.Header.Get(header)) {
				resp.WriteError(w, r, resp.ErrUnauthorized())
				return
			}
			r.Body = ioutil.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
