package dispatch

import (
	"errors"
	"strings"
)

// ErrMalformedTag reports a delegation tag whose close marker never arrived
// before the stream or turn ended. The partial tag is discarded, never
// forwarded as speech text.
var ErrMalformedTag = errors.New("malformed delegation tag")

type scanState int

const (
	statePassThrough scanState = iota
	stateAccumulating
)

// Scanner is the streaming automaton that recognizes one marker-delimited
// delegation request inside the model's outgoing text. Fragments may split
// a marker at any byte; the scanner holds back only the shortest suffix
// that could still open or close a marker, so ordinary speech is forwarded
// with no added latency.
type Scanner struct {
	open  string
	close string

	state   scanState
	held    string
	tagText strings.Builder
}

func NewScanner(open, close string) (*Scanner, error) {
	open = strings.TrimSpace(open)
	close = strings.TrimSpace(close)
	if open == "" || close == "" {
		return nil, errors.New("delegation markers must not be empty")
	}
	if open == close {
		return nil, errors.New("delegation markers must differ")
	}
	return &Scanner{open: open, close: close}, nil
}

// Feed consumes one text fragment and returns the text safe to forward
// immediately plus any delegation prompts completed by this fragment.
func (s *Scanner) Feed(fragment string) (forward string, prompts []string) {
	text := s.held + fragment
	s.held = ""

	var out strings.Builder
	for text != "" {
		switch s.state {
		case statePassThrough:
			idx := strings.Index(text, s.open)
			if idx < 0 {
				keep := suffixOverlap(text, s.open)
				out.WriteString(text[:len(text)-keep])
				s.held = text[len(text)-keep:]
				return out.String(), prompts
			}
			out.WriteString(text[:idx])
			text = text[idx+len(s.open):]
			s.state = stateAccumulating
		case stateAccumulating:
			idx := strings.Index(text, s.close)
			if idx < 0 {
				keep := suffixOverlap(text, s.close)
				s.tagText.WriteString(text[:len(text)-keep])
				s.held = text[len(text)-keep:]
				return out.String(), prompts
			}
			s.tagText.WriteString(text[:idx])
			prompts = append(prompts, strings.TrimSpace(s.tagText.String()))
			s.tagText.Reset()
			text = text[idx+len(s.close):]
			s.state = statePassThrough
		}
	}
	return out.String(), prompts
}

// Flush ends the current stream or turn. Withheld pass-through text is
// returned as forwardable; an accumulation still missing its close marker
// is abandoned and reported via ErrMalformedTag.
func (s *Scanner) Flush() (forward string, err error) {
	held := s.held
	s.held = ""
	if s.state == stateAccumulating {
		s.state = statePassThrough
		s.tagText.Reset()
		return "", ErrMalformedTag
	}
	return held, nil
}

// suffixOverlap reports the longest proper prefix of marker that text ends
// with, i.e. the bytes that may be the start of a marker split across
// fragments.
func suffixOverlap(text, marker string) int {
	max := len(marker) - 1
	if max > len(text) {
		max = len(text)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(text, marker[:k]) {
			return k
		}
	}
	return 0
}
