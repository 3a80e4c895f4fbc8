package peer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hexlink/internal/protocol/frame"
)

var ErrInvalidRule = errors.New("peer: invalid rule")

// Rule scripts the peer's answer to matching requests. Request matches the
// exact frame; otherwise Key matches the correlation field. The first
// matching rule wins.
type Rule struct {
	Request string
	Key     string
	Respond []string
	// Echo answers with the request bytes themselves.
	Echo  bool
	Delay time.Duration
	// DropFirst ignores that many matches before answering.
	DropFirst int
}

// Reply is one frame the peer emits after Delay.
type Reply struct {
	Frame frame.Frame
	Delay time.Duration
}

// Batch is a run of consecutive replies that share one delay.
type Batch struct {
	Delay  time.Duration
	Frames []frame.Frame
}

// Batches groups replies so one timer per batch releases its frames in
// order. A delayed batch never holds back a later immediate one.
func Batches(replies []Reply) []Batch {
	var out []Batch
	for _, r := range replies {
		if n := len(out); n > 0 && out[n-1].Delay == r.Delay {
			out[n-1].Frames = append(out[n-1].Frames, r.Frame)
			continue
		}
		out = append(out, Batch{Delay: r.Delay, Frames: []frame.Frame{r.Frame}})
	}
	return out
}

type compiledRule struct {
	request frame.Frame
	key     frame.Key
	respond []frame.Frame
	echo    bool
	delay   time.Duration
	drop    int
	hits    int
}

// Responder answers requests from a rule table. Safe for concurrent use.
type Responder struct {
	keys        frame.KeySpec
	mu          sync.Mutex
	rules       []*compiledRule
	unsolicited []frame.Frame
}

// NewResponder compiles rules against frame.DefaultKeySpec. Unsolicited
// frames are emitted after every request, matched or not.
func NewResponder(rules []Rule, unsolicited ...string) (*Responder, error) {
	return NewKeyedResponder(frame.DefaultKeySpec, rules, unsolicited...)
}

// NewKeyedResponder is NewResponder for peers whose correlation field sits
// elsewhere. A zero KeySpec means frame.DefaultKeySpec.
func NewKeyedResponder(keys frame.KeySpec, rules []Rule, unsolicited ...string) (*Responder, error) {
	keys = keys.OrDefault()
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	r := &Responder{keys: keys}
	for i, rule := range rules {
		c, err := compileRule(rule, keys)
		if err != nil {
			return nil, fmt.Errorf("rule[%d]: %w", i, err)
		}
		r.rules = append(r.rules, c)
	}
	for i, raw := range unsolicited {
		f, err := frame.Decode(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("unsolicited[%d]: %w", i, err)
		}
		r.unsolicited = append(r.unsolicited, f)
	}
	return r, nil
}

func compileRule(rule Rule, keys frame.KeySpec) (*compiledRule, error) {
	c := &compiledRule{echo: rule.Echo, delay: rule.Delay, drop: rule.DropFirst}
	switch {
	case strings.TrimSpace(rule.Request) != "":
		f, err := frame.Decode(strings.TrimSpace(rule.Request))
		if err != nil {
			return nil, err
		}
		c.request = f
	case strings.TrimSpace(rule.Key) != "":
		key := strings.ToUpper(strings.TrimSpace(rule.Key))
		if len(key) != keys.HexWidth() {
			return nil, fmt.Errorf("%w: key %q must be %d hex characters", ErrInvalidRule, rule.Key, keys.HexWidth())
		}
		if _, err := frame.Decode(key); err != nil {
			return nil, err
		}
		c.key = frame.Key(key)
	default:
		return nil, fmt.Errorf("%w: request or key required", ErrInvalidRule)
	}
	if rule.Delay < 0 || rule.DropFirst < 0 {
		return nil, fmt.Errorf("%w: negative delay or drop_first", ErrInvalidRule)
	}
	if len(rule.Respond) == 0 && !rule.Echo {
		return nil, fmt.Errorf("%w: respond or echo required", ErrInvalidRule)
	}
	for _, raw := range rule.Respond {
		f, err := frame.Decode(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		c.respond = append(c.respond, f)
	}
	return c, nil
}

func (c *compiledRule) matches(req frame.Frame, keys frame.KeySpec) bool {
	if c.request != nil {
		return string(c.request) == string(req)
	}
	key, err := keys.Of(req)
	return err == nil && key == c.key
}

// Respond returns the replies for req in emission order.
func (r *Responder) Respond(req frame.Frame) []Reply {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Reply
	for _, rule := range r.rules {
		if !rule.matches(req, r.keys) {
			continue
		}
		rule.hits++
		if rule.hits > rule.drop {
			if rule.echo {
				out = append(out, Reply{Frame: req.Clone(), Delay: rule.delay})
			}
			for _, f := range rule.respond {
				out = append(out, Reply{Frame: f.Clone(), Delay: rule.delay})
			}
		}
		break
	}
	for _, f := range r.unsolicited {
		out = append(out, Reply{Frame: f.Clone()})
	}
	return out
}

func (r *Responder) KeySpec() frame.KeySpec {
	return r.keys
}

// Hits reports how many requests matched rule i.
func (r *Responder) Hits(i int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.rules) {
		return 0
	}
	return r.rules[i].hits
}
