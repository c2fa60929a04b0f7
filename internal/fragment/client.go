// Package fragment drives the Fragment marketplace's session-keyed Stars
// purchase workflow.
package fragment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ton-stars-service/internal/clock"
	"github.com/ton-stars-service/internal/model"
)

const (
	methodSearchRecipient = "searchStarsRecipient"
	methodInitPurchase    = "initBuyStarsRequest"
	methodGetBuyLink      = "getBuyStarsLink"
	methodConfirm         = "confirmReq"
	methodPollStatus      = "updateStarsBuyState"

	maxResponseBytes = 4 << 20
)

// deviceInfo is sent alongside the wallet account when requesting payment
// instructions, mirroring what a TON Connect wallet reports.
const deviceInfo = `{"platform":"web","appName":"tonkeeper","appVersion":"3.0.0","maxProtocolVersion":2,"features":["SendTransaction",{"name":"SendTransaction","maxMessages":4}]}`

// DefaultSuccessMarkers are substrings of the status fragment that mean the
// purchase went through.
var DefaultSuccessMarkers = []string{"tm-status-success", "successfully purchased", "Stars have been sent"}

// Options configures a Client.
type Options struct {
	BaseURL        string
	APIHash        string
	Cookie         string
	Timeout        time.Duration
	SuccessMarkers []string
	Completion     CompletionConfig
	PollInterval   time.Duration
	MaxPolls       int
	Clock          clock.Clock
	HTTPClient     *http.Client
}

// Client talks to the marketplace API. It holds no per-purchase state; every
// call takes the Session it belongs to.
type Client struct {
	endpoint     string
	cookie       string
	httpClient   *http.Client
	markers      []string
	completion   CompletionConfig
	pollInterval time.Duration
	maxPolls     int
	clock        clock.Clock
}

// NewClient creates a marketplace client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid fragment base URL %q", opts.BaseURL)
	}
	if opts.APIHash == "" {
		return nil, fmt.Errorf("fragment API hash is required")
	}

	endpoint := base.JoinPath("api")
	endpoint.RawQuery = url.Values{"hash": {opts.APIHash}}.Encode()

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	markers := opts.SuccessMarkers
	if len(markers) == 0 {
		markers = DefaultSuccessMarkers
	}

	completion := opts.Completion.withDefaults()

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	maxPolls := opts.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 60
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	return &Client{
		endpoint:     endpoint.String(),
		cookie:       opts.Cookie,
		httpClient:   httpClient,
		markers:      markers,
		completion:   completion,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
		clock:        clk,
	}, nil
}

// SearchRecipient resolves a Telegram username to the marketplace recipient id.
func (c *Client) SearchRecipient(ctx context.Context, sess *Session, username string) (string, error) {
	var resp struct {
		Found *struct {
			Recipient string `json:"recipient"`
			Name      string `json:"name"`
		} `json:"found"`
	}
	env, err := c.call(ctx, sess, methodSearchRecipient, url.Values{
		"query":    {username},
		"quantity": {""},
	}, &resp)
	if err != nil {
		return "", err
	}
	if env.failed() || resp.Found == nil || resp.Found.Recipient == "" {
		return "", &NotFoundError{Query: username}
	}

	sess.RecipientID = resp.Found.Recipient
	return resp.Found.Recipient, nil
}

// Initiation is the marketplace's answer to a purchase request.
type Initiation struct {
	RequestID    string
	ChargeAmount decimal.Decimal
	ItemTitle    string
}

// InitiatePurchase opens a purchase request for quantity Stars.
func (c *Client) InitiatePurchase(ctx context.Context, sess *Session, recipientID string, quantity int) (*Initiation, error) {
	var resp struct {
		ReqID     flexString `json:"req_id"`
		Amount    flexString `json:"amount"`
		ItemTitle string     `json:"item_title"`
	}
	env, err := c.call(ctx, sess, methodInitPurchase, url.Values{
		"recipient": {recipientID},
		"quantity":  {strconv.Itoa(quantity)},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if env.failed() {
		return nil, &ProtocolError{Method: methodInitPurchase, Reason: errorOrDefault(env, "request rejected")}
	}
	if resp.ReqID == "" {
		return nil, &ProtocolError{Method: methodInitPurchase, Reason: "response has no req_id"}
	}

	amount, err := decimal.NewFromString(string(resp.Amount))
	if err != nil {
		return nil, &ProtocolError{Method: methodInitPurchase, Reason: fmt.Sprintf("invalid amount %q", resp.Amount)}
	}

	sess.RequestID = string(resp.ReqID)
	return &Initiation{
		RequestID:    string(resp.ReqID),
		ChargeAmount: amount,
		ItemTitle:    resp.ItemTitle,
	}, nil
}

// PaymentInstruction is one on-chain transfer the marketplace wants made.
type PaymentInstruction struct {
	Address    string
	AmountNano uint64
	Payload    string // base64 BOC carrying the payment comment
}

// FetchPaymentInstructions asks for the on-chain transfers that pay for requestID.
func (c *Client) FetchPaymentInstructions(ctx context.Context, sess *Session, requestID string, account model.WalletAccount) ([]PaymentInstruction, error) {
	accountJSON, err := json.Marshal(account)
	if err != nil {
		return nil, fmt.Errorf("marshal wallet account: %w", err)
	}

	var resp struct {
		Transaction *struct {
			Messages []struct {
				Address string     `json:"address"`
				Amount  flexString `json:"amount"`
				Payload string     `json:"payload"`
			} `json:"messages"`
		} `json:"transaction"`
	}
	env, err := c.call(ctx, sess, methodGetBuyLink, url.Values{
		"id":          {requestID},
		"show_sender": {"0"},
		"transaction": {"1"},
		"account":     {string(accountJSON)},
		"device":      {deviceInfo},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if env.failed() {
		return nil, &ProtocolError{Method: methodGetBuyLink, Reason: errorOrDefault(env, "request rejected")}
	}
	if resp.Transaction == nil || len(resp.Transaction.Messages) == 0 {
		return nil, &ProtocolError{Method: methodGetBuyLink, Reason: "response has no transaction messages"}
	}

	out := make([]PaymentInstruction, 0, len(resp.Transaction.Messages))
	for i, m := range resp.Transaction.Messages {
		if m.Address == "" {
			return nil, &ProtocolError{Method: methodGetBuyLink, Reason: fmt.Sprintf("message %d has no address", i)}
		}
		nano, err := strconv.ParseUint(string(m.Amount), 10, 64)
		if err != nil || nano == 0 {
			return nil, &ProtocolError{Method: methodGetBuyLink, Reason: fmt.Sprintf("message %d has invalid amount %q", i, m.Amount)}
		}
		out = append(out, PaymentInstruction{Address: m.Address, AmountNano: nano, Payload: m.Payload})
	}
	return out, nil
}

// ConfirmPayment tells the marketplace the payment was broadcast. It reports true
// only on an explicit acknowledgement; failures are swallowed.
func (c *Client) ConfirmPayment(ctx context.Context, sess *Session, requestID, boc string, account model.WalletAccount) bool {
	accountJSON, err := json.Marshal(account)
	if err != nil {
		return false
	}

	env, err := c.call(ctx, sess, methodConfirm, url.Values{
		"id":      {requestID},
		"boc":     {boc},
		"account": {string(accountJSON)},
		"device":  {deviceInfo},
	}, nil)
	if err != nil {
		log.Debug().Err(err).Str("req_id", requestID).Msg("fragment confirm failed")
		return false
	}
	return env.OK != nil && *env.OK && env.Error == ""
}

// PollResult is one observation of the purchase status.
type PollResult struct {
	OK         bool
	Mode       string
	DH         string
	NeedUpdate bool
	HTML       string
}

// PollStatus reads the purchase status using the given mode and dh. Transport
// and parse failures give OK=false so that polling can continue.
func (c *Client) PollStatus(ctx context.Context, sess *Session, requestID, mode, dh string) PollResult {
	var resp struct {
		HTML string `json:"html"`
	}
	params := url.Values{
		"id":   {requestID},
		"mode": {mode},
		"lv":   {"false"},
	}
	if dh != "" {
		params.Set("dh", dh)
	}

	env, err := c.call(ctx, sess, methodPollStatus, params, &resp)
	if err != nil {
		log.Debug().Err(err).Str("req_id", requestID).Msg("fragment status poll failed")
		return PollResult{}
	}
	if env.failed() {
		return PollResult{Mode: string(env.Mode), DH: string(env.DH)}
	}
	return PollResult{
		OK:         true,
		Mode:       string(env.Mode),
		DH:         string(env.DH),
		NeedUpdate: env.NeedUpdate,
		HTML:       resp.HTML,
	}
}

// call posts one API method. The session's mode and dh are echoed unless params
// already carry them, and whatever the response returns replaces them.
func (c *Client) call(ctx context.Context, sess *Session, method string, params url.Values, out any) (*envelope, error) {
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("method", method)
	if sess != nil {
		if _, ok := form["mode"]; !ok && sess.Mode != "" {
			form.Set("mode", sess.Mode)
		}
		if _, ok := form["dh"]; !ok && sess.DH != "" {
			form.Set("dh", sess.DH)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Method: method, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{Method: method, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Method: method, Reason: "response is not JSON"}
	}
	sess.absorb(&env)

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, &ProtocolError{Method: method, Reason: "unexpected response shape: " + err.Error()}
		}
	}
	return &env, nil
}

func errorOrDefault(env *envelope, fallback string) string {
	if env.Error != "" {
		return env.Error
	}
	return fallback
}
