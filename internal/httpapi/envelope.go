package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/termux-extensions/te-framework/internal/apierr"
)

// envelope is the wire shape every response uses (§6): {ok, data?, error?}.
type envelope struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

type errorEnvelope struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeData writes a successful envelope. status is the HTTP status to use
// (200, 201, 202 depending on the operation).
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{OK: true, Data: data})
}

// writeErr translates err into the error envelope, mapping its apierr.Kind
// to an HTTP status via Kind.HTTPStatus() (§7).
func writeErr(w http.ResponseWriter, err error) {
	e := apierr.As(err)
	writeJSON(w, e.Kind.HTTPStatus(), envelope{
		OK: false,
		Error: &errorEnvelope{
			Kind:    string(e.Kind),
			Message: e.Message,
		},
	})
}

// decodeJSON decodes r's body into v, surfacing malformed JSON as
// EInvalidArgument rather than a bare decode error.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "invalid JSON body")
	}
	return nil
}
