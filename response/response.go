package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages"`
}

// WriteResponse writes result as the standard success envelope.
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{
		Result:   result,
		Messages: []string{},
	})
}

// WriteError writes e with its status code. A nil e is reported as an
// unexpected error so handlers can pass through without nil checks.
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	if e == nil {
		e = ErrUnexpected()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(envelope{
		Result:   e.Result,
		Messages: append([]string{e.Message}, e.Messages...),
	})
}
