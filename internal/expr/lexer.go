package expr

import (
	"strings"
	"unicode"
)

// Lexer tokenizes calculation expressions.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      byte // current char under examination
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // NUL = EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	start := l.pos
	var tok Token

	switch l.ch {
	case 0:
		return Token{Type: TOKEN_EOF, Pos: start}
	case '+':
		tok = Token{Type: TOKEN_PLUS, Literal: "+"}
	case '-':
		tok = Token{Type: TOKEN_MINUS, Literal: "-"}
	case '*':
		tok = Token{Type: TOKEN_STAR, Literal: "*"}
	case '/':
		if l.peekChar() == '/' {
			l.readChar()
			tok = Token{Type: TOKEN_DSLASH, Literal: "//"}
		} else {
			tok = Token{Type: TOKEN_SLASH, Literal: "/"}
		}
	case '%':
		tok = Token{Type: TOKEN_MOD, Literal: "%"}
	case '=':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TOKEN_EQ, Literal: "=="}
		} else {
			tok = Token{Type: TOKEN_EQ, Literal: "="}
		}
	case '<':
		switch l.peekChar() {
		case '=':
			l.readChar()
			tok = Token{Type: TOKEN_LE, Literal: "<="}
		case '>':
			l.readChar()
			tok = Token{Type: TOKEN_NE, Literal: "<>"}
		default:
			tok = Token{Type: TOKEN_LT, Literal: "<"}
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TOKEN_GE, Literal: ">="}
		} else {
			tok = Token{Type: TOKEN_GT, Literal: ">"}
		}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TOKEN_NE, Literal: "!="}
		} else {
			tok = Token{Type: TOKEN_ILLEGAL, Literal: "!"}
		}
	case '|':
		if l.peekChar() == '|' {
			l.readChar()
			tok = Token{Type: TOKEN_DPIPE, Literal: "||"}
		} else {
			tok = Token{Type: TOKEN_ILLEGAL, Literal: "|"}
		}
	case '.':
		tok = Token{Type: TOKEN_DOT, Literal: "."}
	case ',':
		tok = Token{Type: TOKEN_COMMA, Literal: ","}
	case '(':
		tok = Token{Type: TOKEN_LPAREN, Literal: "("}
	case ')':
		tok = Token{Type: TOKEN_RPAREN, Literal: ")"}
	case '$':
		l.readChar()
		tok = Token{Type: TOKEN_MEASURE, Literal: l.readIdentifier(), Pos: start}
		if tok.Literal == "" {
			tok.Type = TOKEN_ILLEGAL
			tok.Literal = "$"
		}
		return tok
	case ':':
		l.readChar()
		tok = Token{Type: TOKEN_DIMENSION, Literal: l.readIdentifier(), Pos: start}
		if tok.Literal == "" {
			tok.Type = TOKEN_ILLEGAL
			tok.Literal = ":"
		}
		return tok
	case '@':
		l.readChar()
		if l.ch == '*' {
			l.readChar()
			return Token{Type: TOKEN_ARG, Literal: "*", Pos: start}
		}
		s := l.pos
		for isDigit(l.ch) {
			l.readChar()
		}
		return Token{Type: TOKEN_ARG, Literal: l.input[s:l.pos], Pos: start}
	case '\'', '"':
		quote := l.ch
		literal, ok := l.readString(quote)
		if !ok {
			return Token{Type: TOKEN_ILLEGAL, Literal: "unterminated string " + string(quote) + literal, Pos: start}
		}
		return Token{Type: TOKEN_STRING, Literal: literal, Pos: start}
	default:
		switch {
		case isLetter(l.ch) || l.ch == '_':
			literal := l.readIdentifier()
			return Token{Type: lookupKeyword(strings.ToLower(literal)), Literal: literal, Pos: start}
		case isDigit(l.ch):
			literal, ok := l.readNumber()
			if !ok {
				return Token{Type: TOKEN_ILLEGAL, Literal: literal, Pos: start}
			}
			return Token{Type: TOKEN_NUMBER, Literal: literal, Pos: start}
		default:
			tok = Token{Type: TOKEN_ILLEGAL, Literal: string(l.ch)}
		}
	}

	tok.Pos = start
	l.readChar()
	return tok
}

// skipWhitespaceAndComments skips whitespace and -- line comments.
func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
			l.readChar()
		}
		if l.ch == '-' && l.peekChar() == '-' {
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
			continue
		}
		break
	}
}

// readString reads a quoted string literal and unquotes it. A doubled quote
// character inside the literal stands for one embedded quote. ok is false
// when the input ends before the closing quote.
func (l *Lexer) readString(quote byte) (string, bool) {
	l.readChar() // skip opening quote
	var result strings.Builder
	for l.ch != 0 {
		if l.ch == quote {
			if l.peekChar() == quote {
				result.WriteByte(quote)
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar() // skip closing quote
			return result.String(), true
		}
		if l.ch == '\\' && l.peekChar() == quote {
			l.readChar()
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return result.String(), false
}

func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readNumber reads a numeric literal (integer, decimal, or scientific). An
// exponent without digits is not a number.
func (l *Lexer) readNumber() (string, bool) {
	start := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		if !isDigit(l.ch) {
			return l.input[start:l.pos], false
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.pos], true
}

func isLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch))
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
