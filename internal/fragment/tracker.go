package fragment

import (
	"context"
	"fmt"
	"strings"

	"github.com/ton-stars-service/internal/clock"
)

// CompletionConfig tunes completion detection. The values are empirical liveness
// heuristics; a forced completion says nothing about whether the marketplace
// actually delivered.
type CompletionConfig struct {
	// Confirmations is how many consecutive positive polls declare success.
	Confirmations int
	// ProbeEvery makes every Nth consecutive "processing" poll ask with mode "done".
	ProbeEvery int
	// ForceAfter declares completion after this many consecutive "processing" polls.
	ForceAfter int
}

// DefaultCompletionConfig returns 3 confirmations, a probe every 5th processing
// poll and a forced completion after 15.
func DefaultCompletionConfig() CompletionConfig {
	return CompletionConfig{Confirmations: 3, ProbeEvery: 5, ForceAfter: 15}
}

func (c CompletionConfig) withDefaults() CompletionConfig {
	d := DefaultCompletionConfig()
	if c.Confirmations <= 0 {
		c.Confirmations = d.Confirmations
	}
	if c.ProbeEvery <= 0 {
		c.ProbeEvery = d.ProbeEvery
	}
	if c.ForceAfter <= 0 {
		c.ForceAfter = d.ForceAfter
	}
	return c
}

const (
	ModeNew        = "new"
	ModeProcessing = "processing"
	ModeDone       = "done"
)

// Decision is what the tracker concludes after one poll.
type Decision int

const (
	Pending Decision = iota
	Completed
	ForcedCompletion
)

func (d Decision) String() string {
	switch d {
	case Completed:
		return "completed"
	case ForcedCompletion:
		return "forced"
	default:
		return "pending"
	}
}

// Tracker is the completion state machine fed with poll results.
type Tracker struct {
	cfg        CompletionConfig
	markers    []string
	positives  int
	processing int
	polls      int
}

// NewTracker creates a tracker. markers are matched against the status HTML.
func NewTracker(cfg CompletionConfig, markers []string) *Tracker {
	return &Tracker{cfg: cfg.withDefaults(), markers: markers}
}

// NextMode is the mode to send on the next poll: the session's own mode, or
// "done" when the run of processing polls has reached a probe point.
func (t *Tracker) NextMode(sessionMode string) string {
	if t.processing > 0 && t.processing%t.cfg.ProbeEvery == 0 {
		return ModeDone
	}
	if sessionMode == "" {
		return ModeNew
	}
	return sessionMode
}

// Observe records one poll and returns the resulting decision.
func (t *Tracker) Observe(res PollResult) Decision {
	t.polls++

	positive := res.OK && (res.Mode == ModeDone || t.hasMarker(res.HTML))
	if positive {
		t.positives++
	} else {
		t.positives = 0
	}

	if res.OK && res.Mode == ModeProcessing && !positive {
		t.processing++
	} else {
		t.processing = 0
	}

	switch {
	case t.positives >= t.cfg.Confirmations:
		return Completed
	case t.processing >= t.cfg.ForceAfter:
		return ForcedCompletion
	default:
		return Pending
	}
}

// Polls returns how many results have been observed.
func (t *Tracker) Polls() int {
	return t.polls
}

func (t *Tracker) hasMarker(html string) bool {
	if html == "" {
		return false
	}
	for _, m := range t.markers {
		if m != "" && strings.Contains(html, m) {
			return true
		}
	}
	return false
}

// WaitForCompletion polls the purchase status until the tracker decides, the
// poll ceiling is reached, or ctx ends.
func (c *Client) WaitForCompletion(ctx context.Context, sess *Session, requestID string) (Decision, error) {
	tr := NewTracker(c.completion, c.markers)

	for i := 0; i < c.maxPolls; i++ {
		if i > 0 {
			if err := clock.Sleep(ctx, c.clock, c.pollInterval); err != nil {
				return Pending, err
			}
		}

		mode := tr.NextMode(sess.Mode)
		res := c.PollStatus(ctx, sess, requestID, mode, sess.DH)
		if d := tr.Observe(res); d != Pending {
			return d, nil
		}
	}

	return Pending, &ProtocolError{
		Method: methodPollStatus,
		Reason: fmt.Sprintf("purchase not confirmed after %d polls", c.maxPolls),
	}
}
