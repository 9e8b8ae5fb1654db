package transport

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Res is the body of every response a manager sends.
type Res struct {
	Ok    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorRes   `json:"error,omitempty"`
}

// ErrorRes describes a failed request.
type ErrorRes struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LeaderRes is the payload of GetLeader and NewLeaderNotice.
type LeaderRes struct {
	Leader string `json:"leader"`
}

type rawRes struct {
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *ErrorRes       `json:"error"`
}

// StatusError is a non-2xx answer from another manager or client.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: HTTP %d", e.Status)
	}
	return fmt.Sprintf("transport: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError carrying status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// WriteRes writes a successful envelope.
func WriteRes(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Res{Ok: true, Data: data})
}

// WriteError writes a failed envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Res{Ok: false, Error: &ErrorRes{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, res Res) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

// DecodeRes reads an envelope from resp and unpacks its data into out. Any
// non-2xx status or ok=false body becomes a *StatusError.
func DecodeRes(resp *http.Response, out interface{}) error {
	var res rawRes
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		if resp.StatusCode >= http.StatusMultipleChoices {
			return &StatusError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return errors.Wrap(err, "decode response")
	}
	if !res.Ok || resp.StatusCode >= http.StatusMultipleChoices {
		se := &StatusError{Status: resp.StatusCode}
		if res.Error != nil {
			se.Code = res.Error.Code
			se.Message = res.Error.Message
		}
		return se
	}
	if out == nil || len(res.Data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(res.Data, out), "decode response data")
}
