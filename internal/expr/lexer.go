package expr

import "unicode"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokIllegal
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src []rune
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src)}
}

func (l *lexer) next() token {
	for l.pos < len(l.src) && unicode.IsSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}
	}
	start := l.pos
	r := l.src[l.pos]
	switch {
	case r == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}
	case r == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}
	case r == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}
	case r == '+' || r == '-' || r == '*' || r == '/':
		l.pos++
		return token{kind: tokOp, text: string(r), pos: start}
	case unicode.IsDigit(r) || r == '.':
		return l.number(start)
	case unicode.IsLetter(r) || r == '_':
		for l.pos < len(l.src) && (unicode.IsLetter(l.src[l.pos]) || unicode.IsDigit(l.src[l.pos]) || l.src[l.pos] == '_') {
			l.pos++
		}
		return token{kind: tokIdent, text: string(l.src[start:l.pos]), pos: start}
	default:
		l.pos++
		return token{kind: tokIllegal, text: string(r), pos: start}
	}
}

// number scans digits, an optional fraction and an optional exponent.
func (l *lexer) number(start int) token {
	digits := func() {
		for l.pos < len(l.src) && unicode.IsDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	digits()
	if l.pos < len(l.src) && l.src[l.pos] == '.' {
		l.pos++
		digits()
	}
	if l.pos < len(l.src) && (l.src[l.pos] == 'e' || l.src[l.pos] == 'E') {
		mark := l.pos
		l.pos++
		if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
			l.pos++
		}
		if l.pos < len(l.src) && unicode.IsDigit(l.src[l.pos]) {
			digits()
		} else {
			l.pos = mark
		}
	}
	return token{kind: tokNumber, text: string(l.src[start:l.pos]), pos: start}
}
