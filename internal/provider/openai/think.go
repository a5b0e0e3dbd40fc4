package openai

import (
	"strings"

	"deepclaude/internal/models"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

type thinkState int

const (
	thinkLeading thinkState = iota
	thinkInside
	thinkDone
)

// thinkSplitter separates "<think>...</think>" reasoning from regular content for
// models that inline their reasoning. Tags may be split across fragments.
type thinkSplitter struct {
	state thinkState
	buf   string
}

func (s *thinkSplitter) feed(text string) []models.StreamEvent {
	var out []models.StreamEvent

	switch s.state {
	case thinkDone:
		if text != "" {
			out = append(out, models.StreamEvent{Kind: models.KindContent, Text: text})
		}
		return out
	case thinkLeading:
		s.buf += text
		trimmed := strings.TrimLeft(s.buf, " \t\r\n")
		switch {
		case strings.HasPrefix(trimmed, thinkOpen):
			s.state = thinkInside
			s.buf = trimmed[len(thinkOpen):]
		case strings.HasPrefix(thinkOpen, trimmed):
			return nil
		default:
			s.state = thinkDone
			content := s.buf
			s.buf = ""
			return append(out, models.StreamEvent{Kind: models.KindContent, Text: content})
		}
	case thinkInside:
		s.buf += text
	}

	if idx := strings.Index(s.buf, thinkClose); idx >= 0 {
		if reasoning := s.buf[:idx]; reasoning != "" {
			out = append(out, models.StreamEvent{Kind: models.KindReasoning, Text: reasoning})
		}
		rest := s.buf[idx+len(thinkClose):]
		s.buf = ""
		s.state = thinkDone
		if rest != "" {
			out = append(out, models.StreamEvent{Kind: models.KindContent, Text: rest})
		}
		return out
	}

	hold := partialSuffix(s.buf, thinkClose)
	if emit := s.buf[:len(s.buf)-hold]; emit != "" {
		out = append(out, models.StreamEvent{Kind: models.KindReasoning, Text: emit})
	}
	s.buf = s.buf[len(s.buf)-hold:]
	return out
}

// flush releases text held back while waiting for a tag to complete.
func (s *thinkSplitter) flush() []models.StreamEvent {
	if s.buf == "" {
		return nil
	}
	text := s.buf
	s.buf = ""
	if s.state == thinkInside {
		return []models.StreamEvent{{Kind: models.KindReasoning, Text: text}}
	}
	return []models.StreamEvent{{Kind: models.KindContent, Text: text}}
}

// partialSuffix returns the length of the longest suffix of s that is a proper prefix of tag.
func partialSuffix(s, tag string) int {
	limit := len(tag) - 1
	if len(s) < limit {
		limit = len(s)
	}
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
