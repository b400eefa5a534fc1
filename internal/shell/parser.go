package shell

import (
	"strings"

	"github.com/llmsandbox/wasmsh/internal/errs"
)

// MaxSubstitutionDepth bounds nested "$(...)" command substitution
// (spec.md §4.8), preventing a pathological command line from recursing
// the parser without limit.
const MaxSubstitutionDepth = 50

// Segment is one piece of a word: either literal text or a nested
// pipeline whose captured stdout is substituted in at run time.
type Segment struct {
	Literal string
	Sub     *Pipeline // non-nil for a "$(...)" segment
}

// Word is a sequence of segments concatenated to form one argument once
// any command substitutions have been evaluated.
type Word []Segment

// Stage is one pipeline stage: argv[0] plus the rest, each still
// possibly carrying unevaluated substitutions.
type Stage struct {
	Words []Word
}

// Pipeline is an ordered list of stages connected by "|".
type Pipeline struct {
	Stages []*Stage
}

type parser struct {
	src   []rune
	pos   int
	depth int
}

// Parse parses a single command line (no ";"/"&&"/control-flow support —
// spec.md's shell surface is a pipeline, not a full POSIX grammar) into
// a Pipeline.
func Parse(line string) (*Pipeline, error) {
	p := &parser{src: []rune(line)}
	return p.parsePipeline()
}

func (p *parser) parsePipeline() (*Pipeline, error) {
	pipeline := &Pipeline{}
	for {
		stage, err := p.parseStage()
		if err != nil {
			return nil, err
		}
		if len(stage.Words) > 0 {
			pipeline.Stages = append(pipeline.Stages, stage)
		}
		p.skipSpace()
		if p.peek() == '|' {
			p.pos++
			continue
		}
		break
	}
	if len(pipeline.Stages) == 0 {
		return nil, errs.Newf(errs.EINVAL, "empty command")
	}
	return pipeline, nil
}

func (p *parser) parseStage() (*Stage, error) {
	stage := &Stage{}
	for {
		p.skipSpace()
		c := p.peek()
		if c == 0 || c == '|' {
			break
		}
		word, err := p.parseWord()
		if err != nil {
			return nil, err
		}
		stage.Words = append(stage.Words, word)
	}
	return stage, nil
}

func (p *parser) parseWord() (Word, error) {
	var word Word
	var literal strings.Builder
	flush := func() {
		if literal.Len() > 0 {
			word = append(word, Segment{Literal: literal.String()})
			literal.Reset()
		}
	}
	for {
		c := p.peek()
		switch {
		case c == 0 || c == ' ' || c == '\t' || c == '|':
			flush()
			return word, nil
		case c == '\'':
			p.pos++
			for p.peek() != '\'' {
				if p.peek() == 0 {
					return nil, errs.Newf(errs.EINVAL, "unterminated single quote")
				}
				literal.WriteRune(p.peek())
				p.pos++
			}
			p.pos++
		case c == '"':
			p.pos++
			for p.peek() != '"' {
				if p.peek() == 0 {
					return nil, errs.Newf(errs.EINVAL, "unterminated double quote")
				}
				if p.peek() == '$' && p.peekAt(1) == '(' {
					flush()
					sub, err := p.parseSubstitution()
					if err != nil {
						return nil, err
					}
					word = append(word, Segment{Sub: sub})
					continue
				}
				literal.WriteRune(p.peek())
				p.pos++
			}
			p.pos++
		case c == '$' && p.peekAt(1) == '(':
			flush()
			sub, err := p.parseSubstitution()
			if err != nil {
				return nil, err
			}
			word = append(word, Segment{Sub: sub})
		default:
			literal.WriteRune(c)
			p.pos++
		}
	}
}

func (p *parser) parseSubstitution() (*Pipeline, error) {
	if p.depth >= MaxSubstitutionDepth {
		return nil, errs.Newf(errs.EINVAL, "command substitution nested too deeply (max %d)", MaxSubstitutionDepth)
	}
	p.pos += 2 // consume "$("
	start := p.pos
	depthParens := 1
	for depthParens > 0 {
		c := p.peek()
		if c == 0 {
			return nil, errs.Newf(errs.EINVAL, "unterminated command substitution")
		}
		if c == '(' {
			depthParens++
		} else if c == ')' {
			depthParens--
			if depthParens == 0 {
				break
			}
		}
		p.pos++
	}
	inner := string(p.src[start:p.pos])
	p.pos++ // consume ")"

	sub := &parser{src: []rune(inner), depth: p.depth + 1}
	return sub.parsePipeline()
}

func (p *parser) peek() rune {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) peekAt(off int) rune {
	if p.pos+off >= len(p.src) {
		return 0
	}
	return p.src[p.pos+off]
}

func (p *parser) skipSpace() {
	for p.peek() == ' ' || p.peek() == '\t' {
		p.pos++
	}
}
