package fragment

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Session is the continuation state of one purchase workflow. The marketplace
// rotates Mode and DH on every response and expects them echoed on the next
// request, whichever method that request calls. A Session must not be shared
// between concurrent purchases.
type Session struct {
	RequestID   string
	RecipientID string
	Mode        string
	DH          string
}

// absorb copies continuation tokens from a response into the session.
func (s *Session) absorb(env *envelope) {
	if s == nil || env == nil {
		return
	}
	if env.Mode != "" {
		s.Mode = string(env.Mode)
	}
	if env.DH != "" {
		s.DH = string(env.DH)
	}
}

// envelope holds the fields every marketplace response may carry.
type envelope struct {
	OK         *bool      `json:"ok"`
	Error      string     `json:"error"`
	Mode       flexString `json:"mode"`
	DH         flexString `json:"dh"`
	NeedUpdate bool       `json:"need_update"`
}

func (e *envelope) failed() bool {
	return e.Error != "" || (e.OK != nil && !*e.OK)
}

// flexString accepts a JSON string or number. The marketplace is not consistent
// about which one it sends for ids and nonces.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
