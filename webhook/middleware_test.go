package webhook

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/job-escape/users-backend/external"
)

func TestVerifySignature(t *testing.T) {
	client := external.NewSolidgateClient("pub", "secret")
	body := []byte(`{"callback_type": "cancel"}`)

	var gotBody []byte
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = ioutil.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	})
	handler := VerifySignature(client, "Signature")(inner)

	req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	req.Header.Set("Signature", external.SolidgateSignature("pub", "secret", body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("valid signature rejected with %d", w.Code)
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("body not restored for the inner handler: %q", gotBody)
	}

	req = httptest.NewRequest("POST", "/", bytes.NewReader(body))
	req.Header.Set("Signature", "not-a-signature")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("invalid signature accepted with %d", w.Code)
	}
}
