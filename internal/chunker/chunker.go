// Package chunker coalesces token-sized generation deltas into larger,
// punctuation-aligned segments before they hit the stream transport.
package chunker

import (
	"iter"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMinChars    = 30
	DefaultMaxChars    = 60
	DefaultPunctuation = ".!?:;,"
)

type Config struct {
	MinChars    int
	MaxChars    int
	Punctuation string
}

func (c Config) normalized() Config {
	if c.MinChars <= 0 {
		c.MinChars = DefaultMinChars
	}
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	if c.MaxChars < c.MinChars {
		c.MaxChars = c.MinChars
	}
	if c.Punctuation == "" {
		c.Punctuation = DefaultPunctuation
	}
	return c
}

// Buffer is the synchronous reducer. Lengths are counted in runes.
type Buffer struct {
	cfg     Config
	pending strings.Builder
	runes   int
}

func NewBuffer(cfg Config) *Buffer {
	return &Buffer{cfg: cfg.normalized()}
}

// Push adds a fragment and returns the segment it releases, if any.
func (b *Buffer) Push(fragment string) (string, bool) {
	if fragment == "" {
		return "", false
	}
	b.pending.WriteString(fragment)
	b.runes += utf8.RuneCountInString(fragment)

	switch {
	case b.runes >= b.cfg.MaxChars:
		return b.take(), true
	case b.runes >= b.cfg.MinChars && strings.ContainsAny(fragment, b.cfg.Punctuation):
		return b.take(), true
	default:
		return "", false
	}
}

// Flush releases whatever is still buffered.
func (b *Buffer) Flush() (string, bool) {
	if b.runes == 0 {
		return "", false
	}
	return b.take(), true
}

// Len reports buffered runes.
func (b *Buffer) Len() int { return b.runes }

func (b *Buffer) take() string {
	out := b.pending.String()
	b.pending.Reset()
	b.runes = 0
	return out
}

// Segments lazily re-chunks src. A source error flushes the remainder first,
// then is yielded and ends the sequence.
func Segments(src iter.Seq2[string, error], cfg Config) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		buf := NewBuffer(cfg)
		for fragment, err := range src {
			if err != nil {
				if rest, ok := buf.Flush(); ok {
					if !yield(rest, nil) {
						return
					}
				}
				yield("", err)
				return
			}
			if seg, ok := buf.Push(fragment); ok {
				if !yield(seg, nil) {
					return
				}
			}
		}
		if rest, ok := buf.Flush(); ok {
			yield(rest, nil)
		}
	}
}

// Collect drains a fragment sequence into one string. Used by callers that
// need the full text alongside streamed delivery.
func Collect(src iter.Seq2[string, error]) (string, error) {
	var sb strings.Builder
	for fragment, err := range src {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(fragment)
	}
	return sb.String(), nil
}
