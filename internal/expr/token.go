// Package expr provides the calculation expression language: lexer, parser,
// a sealed AST, kind classification, type inference and rewrite helpers.
//
// The grammar covers numeric, string and boolean literals, dotted column
// references, measure references ($id), dimension references (:id),
// arithmetic, comparison and logical operators, function calls, CASE and
// IF, IN / NOT IN, IS [NOT] NULL, and argument placeholders (@, @1, @*)
// that are only legal inside transform templates.
package expr

import "fmt"

// TokenType represents the type of a lexical token.
type TokenType int

// TOKEN_EOF and friends enumerate all token types produced by the lexer.
const (
	TOKEN_EOF     TokenType = iota // end of input
	TOKEN_ILLEGAL                  // unexpected character

	TOKEN_IDENT     // identifier
	TOKEN_NUMBER    // 123, 45.67, 1e10
	TOKEN_STRING    // 'hello' or "hello"
	TOKEN_MEASURE   // $revenue
	TOKEN_DIMENSION // :country
	TOKEN_ARG       // @, @1, @*

	TOKEN_PLUS   // +
	TOKEN_MINUS  // -
	TOKEN_STAR   // *
	TOKEN_SLASH  // /
	TOKEN_DSLASH // // (floor division)
	TOKEN_MOD    // %
	TOKEN_DPIPE  // ||
	TOKEN_EQ     // = or ==
	TOKEN_NE     // != or <>
	TOKEN_LT     // <
	TOKEN_GT     // >
	TOKEN_LE     // <=
	TOKEN_GE     // >=
	TOKEN_DOT    // .
	TOKEN_COMMA  // ,
	TOKEN_LPAREN // (
	TOKEN_RPAREN // )

	// TOKEN_AND and below are keywords.
	TOKEN_AND
	TOKEN_CASE
	TOKEN_ELSE
	TOKEN_END
	TOKEN_FALSE
	TOKEN_IN
	TOKEN_IS
	TOKEN_NOT
	TOKEN_NULL
	TOKEN_OR
	TOKEN_THEN
	TOKEN_TRUE
	TOKEN_WHEN
)

var tokenNames = map[TokenType]string{
	TOKEN_EOF:       "EOF",
	TOKEN_ILLEGAL:   "ILLEGAL",
	TOKEN_IDENT:     "IDENT",
	TOKEN_NUMBER:    "NUMBER",
	TOKEN_STRING:    "STRING",
	TOKEN_MEASURE:   "MEASURE",
	TOKEN_DIMENSION: "DIMENSION",
	TOKEN_ARG:       "ARG",
	TOKEN_PLUS:      "+",
	TOKEN_MINUS:     "-",
	TOKEN_STAR:      "*",
	TOKEN_SLASH:     "/",
	TOKEN_DSLASH:    "//",
	TOKEN_MOD:       "%",
	TOKEN_DPIPE:     "||",
	TOKEN_EQ:        "=",
	TOKEN_NE:        "!=",
	TOKEN_LT:        "<",
	TOKEN_GT:        ">",
	TOKEN_LE:        "<=",
	TOKEN_GE:        ">=",
	TOKEN_DOT:       ".",
	TOKEN_COMMA:     ",",
	TOKEN_LPAREN:    "(",
	TOKEN_RPAREN:    ")",
	TOKEN_AND:       "AND",
	TOKEN_CASE:      "CASE",
	TOKEN_ELSE:      "ELSE",
	TOKEN_END:       "END",
	TOKEN_FALSE:     "FALSE",
	TOKEN_IN:        "IN",
	TOKEN_IS:        "IS",
	TOKEN_NOT:       "NOT",
	TOKEN_NULL:      "NULL",
	TOKEN_OR:        "OR",
	TOKEN_THEN:      "THEN",
	TOKEN_TRUE:      "TRUE",
	TOKEN_WHEN:      "WHEN",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TOKEN(%d)", int(t))
}

var keywords = map[string]TokenType{
	"and":   TOKEN_AND,
	"case":  TOKEN_CASE,
	"else":  TOKEN_ELSE,
	"end":   TOKEN_END,
	"false": TOKEN_FALSE,
	"in":    TOKEN_IN,
	"is":    TOKEN_IS,
	"not":   TOKEN_NOT,
	"null":  TOKEN_NULL,
	"or":    TOKEN_OR,
	"then":  TOKEN_THEN,
	"true":  TOKEN_TRUE,
	"when":  TOKEN_WHEN,
}

// lookupKeyword returns the keyword token for a lowercased identifier, or TOKEN_IDENT.
func lookupKeyword(ident string) TokenType {
	if tok, ok := keywords[ident]; ok {
		return tok
	}
	return TOKEN_IDENT
}

// Token is a lexical token with its literal text and byte offset.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int
}

// Operator precedence levels for the Pratt parser.
const (
	PrecedenceNone = iota
	PrecedenceOr
	PrecedenceAnd
	PrecedenceNot
	PrecedenceComparison
	PrecedenceAddition
	PrecedenceMultiply
	PrecedenceUnary
)
