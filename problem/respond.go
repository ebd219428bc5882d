package problem

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ContentType is the media type problems are written with.
const ContentType = "application/problem+json"

// Write encodes p to w using its Status as the response code. A Retry-After
// header is added when p carries one.
func Write(w http.ResponseWriter, p *Problem) error {
	jsonData, err := json.Marshal(p)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", ContentType)
	if p.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*p.RetryAfter))
	}
	w.WriteHeader(p.Status)

	if _, err = w.Write(jsonData); err != nil {
		return err
	}

	return nil
}

// WriteLegacy writes a pre-taxonomy error body of the form {key: msg},
// where key is typically "detail", "error" or "message".
func WriteLegacy(w http.ResponseWriter, status int, key, msg string) error {
	jsonData, err := json.Marshal(map[string]string{key: msg})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err = w.Write(jsonData); err != nil {
		return err
	}

	return nil
}
