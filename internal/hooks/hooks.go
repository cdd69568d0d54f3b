// Package hooks wires the detector, tokenizer, and session registry into
// the three cooperative interception points described in §4.6: the core
// never calls back into a host agent runtime synchronously, it only
// implements the callbacks the runtime is expected to invoke on ingress,
// egress, and session teardown (§9 "cyclic / host-owned control flow").
//
// Grounded on the teacher's own request lifecycle in
// internal/anonymizer/anonymizer.go (Anonymize on the outbound leg,
// Deanonymize on the inbound leg, driven by proxy.go's RoundTrip), with
// the teacher's HTTP-specific plumbing stripped out: this package's
// callers are an agent runtime, not an HTTP transport.
package hooks

import (
	"github.com/relaysentry/maskvault/internal/apperrors"
	"github.com/relaysentry/maskvault/internal/detector"
	"github.com/relaysentry/maskvault/internal/logger"
	"github.com/relaysentry/maskvault/internal/tokenizer"
)

// Pipeline implements the three callbacks of §4.6.
type Pipeline struct {
	detector  *detector.Detector
	tokenizer *tokenizer.Tokenizer
	log       *logger.Logger
}

// Option configures New.
type Option func(*Pipeline)

// WithLogger attaches a module logger; defaults to an info-level one.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New creates a Pipeline over a shared Detector and Tokenizer.
func New(det *detector.Detector, tok *tokenizer.Tokenizer, opts ...Option) *Pipeline {
	p := &Pipeline{detector: det, tokenizer: tok, log: logger.New("HOOKS", "info")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BeforeAgentStart masks every sensitive span in prompt before the agent
// sees it (§4.6). If sessionID is empty, a new session is generated and
// returned alongside the masked text; callers on a first turn pass an
// empty sessionID and bind the returned one to later hook calls.
//
// Per §7, a mask failure here is fail-closed: the agent must never see an
// unmasked prompt, so any tokenize error aborts the whole call.
func (p *Pipeline) BeforeAgentStart(prompt, sessionID string) (maskedText string, resolvedSessionID string, err error) {
	if sessionID == "" {
		sess, genErr := p.tokenizer.GenerateSession()
		if genErr != nil {
			return "", "", genErr
		}
		sessionID = sess.ID
	}

	detections, err := p.detector.Detect(prompt)
	if err != nil {
		p.log.Errorf("before_agent_start", "detect failed: %v", err)
		return "", sessionID, err
	}

	masked, err := maskOrdered(p.tokenizer, prompt, detections, sessionID)
	if err != nil {
		p.log.Errorf("before_agent_start", "mask failed: %v", err)
		return "", sessionID, err
	}

	p.log.Infof("before_agent_start", "masked %d detection(s) for session %s", len(detections), sessionID)
	return masked, sessionID, nil
}

// MessageSending restores every token literal in content back to its
// original value before the message leaves the process boundary in the
// reverse direction (§4.6). Errors surface as DetokenizationError per §7
// and never silently drop a token: a failed restore fails the whole call
// rather than emitting a message with a dangling token.
func (p *Pipeline) MessageSending(content, sessionID string) (string, error) {
	matches := tokenizer.TokenLiteralPattern.FindAllStringIndex(content, -1)
	if matches == nil {
		return content, nil
	}

	var out []byte
	cursor := 0
	for _, loc := range matches {
		start, end := loc[0], loc[1]
		token := content[start:end]

		value, err := p.tokenizer.Detokenize(token, sessionID)
		if err != nil {
			p.log.Errorf("message_sending", "detokenize %s failed: %v", token, err)
			if apperrors.Is(err, apperrors.TokenNotFound) {
				return "", err
			}
			return "", apperrors.Wrap(apperrors.DetokenizationError, "detokenization failed", err)
		}

		out = append(out, content[cursor:start]...)
		out = append(out, value...)
		cursor = end
	}
	out = append(out, content[cursor:]...)
	return string(out), nil
}

// AgentEnd tears down a session's tokenizer state (§4.6): the session key
// is zeroized and dropped. Vault entries survive, subject to TTL and
// retention per §2.
func (p *Pipeline) AgentEnd(sessionID string) {
	p.tokenizer.ClearSession(sessionID)
	p.log.Infof("agent_end", "cleared session %s", sessionID)
}

// maskOrdered replaces each detection's span with its token, in ascending
// start order, skipping any span that overlaps one already consumed
// (cross-pattern overlap resolution is a policy-engine concern per §6,
// not this pipeline's).
func maskOrdered(tok *tokenizer.Tokenizer, text string, detections []detector.Detection, sessionID string) (string, error) {
	var out []byte
	cursor := 0
	for _, d := range detections {
		if d.Start < cursor {
			continue
		}
		out = append(out, text[cursor:d.Start]...)

		token, err := tok.Tokenize(d.Match, string(d.Type), sessionID)
		if err != nil {
			return "", err
		}
		out = append(out, token...)
		cursor = d.End
	}
	out = append(out, text[cursor:]...)
	return string(out), nil
}
