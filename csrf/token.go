package csrf

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/google/uuid"
)

// NewToken returns a random 36-character token (a version 4 UUID drawn
// from crypto/rand).
func NewToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// extractClientToken looks for the token in the header, then a JSON body,
// then the query string and form fields.
//
// Params:
//   - r: the incoming request; a JSON body is restored after reading.
//   - headerName: header carrying the token, e.g. "X-CSRF-Token".
//   - field: query, form or JSON field name, e.g. "_csrf".
//   - maxBody: upper bound on the body bytes read to find the token.
//
// Returns:
// - the presented token, or "" when the request carries none.
func extractClientToken(r *http.Request, headerName, field string, maxBody int64) string {
	// Header wins
	if h := r.Header.Get(headerName); h != "" {
		return h
	}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/json":
		if v := jsonField(r, field, maxBody); v != "" {
			return v
		}
	case "multipart/form-data":
		_ = r.ParseMultipartForm(maxBody)
	}

	_ = r.ParseForm()
	return r.Form.Get(field)
}

// jsonField reads at most maxBody bytes of a JSON object body and returns
// the string value of field. The body is restored for later handlers.
func jsonField(r *http.Request, field string, maxBody int64) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil || int64(len(buf)) > maxBody {
		return ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(buf, &obj); err != nil {
		return ""
	}
	raw, ok := obj[field]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}
