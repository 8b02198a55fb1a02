package dfilter

import (
	"strconv"
	"strings"
)

// parseExpr recursively parses boolean expressions. OR binds loosest, then
// AND, then NOT.
func parseExpr(expr string) (node, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, syntaxErr("missing operand")
	}

	if isBalancedOutermost(expr) {
		return parseExpr(expr[1 : len(expr)-1])
	}

	if n, ok, err := parseBinary(expr, opOR, "||", "or"); ok {
		return n, err
	}
	if n, ok, err := parseBinary(expr, opAND, "&&", "and"); ok {
		return n, err
	}

	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		return parseNot(expr[1:])
	}
	if len(expr) > 4 && strings.EqualFold(expr[:4], "not ") {
		return parseNot(expr[4:])
	}

	return parseTerm(expr)
}

func parseBinary(expr string, op boolOp, symbol, word string) (node, bool, error) {
	idx, width := findOperator(expr, symbol), len(symbol)
	if idx == -1 {
		idx, width = findOperatorWord(expr, word), len(word)
	}
	if idx == -1 {
		return nil, false, nil
	}

	left, err := parseExpr(expr[:idx])
	if err != nil {
		return nil, true, err
	}
	right, err := parseExpr(expr[idx+width:])
	if err != nil {
		return nil, true, err
	}
	return &boolNode{op: op, left: left, right: right}, true, nil
}

func parseNot(inner string) (node, error) {
	n, err := parseExpr(inner)
	if err != nil {
		return nil, err
	}
	return &boolNode{op: opNOT, left: n}, nil
}

// parseTerm parses "field", "field op value" or "field in {...}".
func parseTerm(expr string) (node, error) {
	field, rest := splitField(expr)
	if field == "" {
		return nil, syntaxErr("expected field name at %q", expr)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return &presenceNode{field: field}, nil
	}

	op, rest := splitOperator(rest)
	if op == opInvalid {
		return nil, syntaxErr("unknown operator in %q", expr)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, syntaxErr("missing value in %q", expr)
	}

	if op == opIn {
		set, err := parseSet(rest)
		if err != nil {
			return nil, err
		}
		return &inNode{field: field, set: set}, nil
	}

	lit, err := parseLiteral(rest)
	if err != nil {
		return nil, err
	}
	if op == opContains && lit.kind != kindString && lit.kind != kindNumber {
		// IPs and networks compare by their text form under contains
		lit = literal{kind: kindString, str: lit.raw, raw: lit.raw}
	}
	return &compareNode{field: field, op: op, lit: lit}, nil
}

func splitField(expr string) (string, string) {
	i := 0
	for i < len(expr) && isFieldChar(expr[i], i == 0) {
		i++
	}
	return expr[:i], expr[i:]
}

func isFieldChar(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case first:
		return false
	case c >= '0' && c <= '9', c == '.', c == '-':
		return true
	default:
		return false
	}
}

var symbolOps = []struct {
	sym string
	op  cmpOp
}{
	{"==", opEQ}, {"!=", opNE}, {">=", opGE}, {"<=", opLE}, {">", opGT}, {"<", opLT},
}

var wordOps = map[string]cmpOp{
	"eq": opEQ, "ne": opNE, "ge": opGE, "le": opLE, "gt": opGT, "lt": opLT,
	"contains": opContains, "in": opIn,
}

func splitOperator(s string) (cmpOp, string) {
	for _, so := range symbolOps {
		if strings.HasPrefix(s, so.sym) {
			return so.op, s[len(so.sym):]
		}
	}
	end := strings.IndexAny(s, " \t{\"")
	if end == -1 {
		return opInvalid, s
	}
	if op, ok := wordOps[strings.ToLower(s[:end])]; ok {
		return op, s[end:]
	}
	return opInvalid, s
}

func parseSet(s string) (*valueSet, error) {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, syntaxErr("set must be enclosed in braces: %q", s)
	}
	items, err := splitSetItems(s[1 : len(s)-1])
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, syntaxErr("empty set")
	}

	set := newValueSet()
	for _, item := range items {
		lit, err := parseLiteral(item)
		if err != nil {
			return nil, err
		}
		if err := set.add(lit); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// splitSetItems splits on whitespace and commas outside quotes.
func splitSetItems(s string) ([]string, error) {
	var items []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' && (i == 0 || s[i-1] != '\\'):
			inQuote = !inQuote
			cur.WriteByte(c)
		case !inQuote && (c == ' ' || c == '\t' || c == ','):
			if cur.Len() > 0 {
				items = append(items, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, syntaxErr("unterminated string in set")
	}
	if cur.Len() > 0 {
		items = append(items, cur.String())
	}
	return items, nil
}

func parseLiteral(s string) (literal, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "\"") {
		str, err := strconv.Unquote(s)
		if err != nil {
			return literal{}, syntaxErr("bad string literal %s", s)
		}
		return literal{kind: kindString, str: str, raw: s}, nil
	}
	if strings.ContainsAny(s, " \t") {
		return literal{}, syntaxErr("unexpected token in %q", s)
	}
	return classifyLiteral(s), nil
}

// findOperator finds the position of an operator outside of parentheses,
// braces and quotes.
func findOperator(expr string, op string) int {
	depth := 0
	inQuote := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '"' && (i == 0 || expr[i-1] != '\\'):
			inQuote = !inQuote
		case inQuote:
		case c == '(' || c == '{':
			depth++
		case c == ')' || c == '}':
			depth--
		case depth == 0 && strings.HasPrefix(expr[i:], op):
			return i
		}
	}
	return -1
}

// findOperatorWord finds a word operator (and, or) surrounded by whitespace
// outside of parentheses, braces and quotes. Matching is case-insensitive.
func findOperatorWord(expr string, op string) int {
	depth := 0
	inQuote := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '"' && (i == 0 || expr[i-1] != '\\'):
			inQuote = !inQuote
		case inQuote:
		case c == '(' || c == '{':
			depth++
		case c == ')' || c == '}':
			depth--
		case depth == 0 && i > 0 && i+len(op) < len(expr):
			if isSpace(expr[i-1]) && isSpace(expr[i+len(op)]) && strings.EqualFold(expr[i:i+len(op)], op) {
				return i
			}
		}
	}
	return -1
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' }

// isBalancedOutermost checks if the outer parentheses wrap the whole expression
func isBalancedOutermost(expr string) bool {
	if !strings.HasPrefix(expr, "(") || !strings.HasSuffix(expr, ")") {
		return false
	}

	depth := 0
	inQuote := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '"' && (i == 0 || expr[i-1] != '\\'):
			inQuote = !inQuote
		case inQuote:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 && i < len(expr)-1 {
				return false
			}
		}
	}
	return depth == 0
}

func checkBalanced(expr string) error {
	parens, braces := 0, 0
	inQuote := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '"' && (i == 0 || expr[i-1] != '\\'):
			inQuote = !inQuote
		case inQuote:
		case c == '(':
			parens++
		case c == ')':
			parens--
		case c == '{':
			braces++
		case c == '}':
			braces--
		}
		if parens < 0 || braces < 0 {
			return syntaxErr("unbalanced %q at offset %d", c, i)
		}
	}
	switch {
	case inQuote:
		return syntaxErr("unterminated string")
	case parens != 0:
		return syntaxErr("unbalanced parentheses")
	case braces != 0:
		return syntaxErr("unbalanced braces")
	}
	return nil
}
