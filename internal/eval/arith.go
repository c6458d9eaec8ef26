// Package eval implements the expression and condition evaluation layer used
// by blueprint transitions and workflow triggers.
//
// Two layers live here: a safe arithmetic/boolean expression parser (formulas
// stored in transition and workflow configs) and a typed rule evaluator
// (field/operator/value condition lists). The parser reports errors for
// malformed input and zero division; the rule evaluator is total and resolves
// any per-condition failure to false.
package eval

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z0-9_.]+)\}\}|\{([A-Za-z0-9_.]+)\}`)

// comparison operators ordered longest-first so "<=" wins over "<".
var comparisonOps = []string{"===", "!==", "==", "!=", "<=", ">=", "<", ">"}

// EvaluateFormula substitutes {field}/{{field}} placeholders from context and
// evaluates the result. A formula is either pure arithmetic or a single
// binary comparison; chained comparisons and and/or are not part of this
// grammar. Returns float64 for arithmetic, bool for comparisons.
func EvaluateFormula(expr string, context map[string]any) (any, error) {
	substituted := substitutePlaceholders(expr, context)

	if op, idx := findComparison(substituted); op != "" {
		left := strings.TrimSpace(substituted[:idx])
		right := strings.TrimSpace(substituted[idx+len(op):])
		return compareSides(left, right, op)
	}

	return evaluateArithmetic(substituted)
}

// substitutePlaceholders replaces {a.b}/{{a.b}} with values resolved from the
// context. Strings are quoted and escaped; missing paths substitute 0.
func substitutePlaceholders(expr string, context map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(expr, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		path := sub[1]
		if path == "" {
			path = sub[2]
		}
		value, ok := LookupPath(context, path)
		if !ok || value == nil {
			return "0"
		}
		switch v := value.(type) {
		case string:
			return strconv.Quote(v)
		case bool:
			if v {
				return "1"
			}
			return "0"
		default:
			if f, ok := toFloat(v); ok {
				return strconv.FormatFloat(f, 'f', -1, 64)
			}
			return strconv.Quote(fmt.Sprintf("%v", v))
		}
	})
}

// findComparison locates the first comparison operator outside quoted strings.
// Only a single comparison per expression is recognized.
func findComparison(expr string) (string, int) {
	inString := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if c == '"' && (i == 0 || expr[i-1] != '\\') {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		for _, op := range comparisonOps {
			if strings.HasPrefix(expr[i:], op) {
				return op, i
			}
		}
	}
	return "", -1
}

// compareSides evaluates both sides of a comparison. Sides that parse as
// arithmetic compare numerically, otherwise both are compared as strings.
func compareSides(left, right, op string) (bool, error) {
	lNum, lErr := evaluateArithmetic(left)
	rNum, rErr := evaluateArithmetic(right)

	if lErr == nil && rErr == nil {
		switch op {
		case "==", "===":
			return lNum == rNum, nil
		case "!=", "!==":
			return lNum != rNum, nil
		case "<":
			return lNum < rNum, nil
		case ">":
			return lNum > rNum, nil
		case "<=":
			return lNum <= rNum, nil
		case ">=":
			return lNum >= rNum, nil
		}
	}

	lStr := unquoteSide(left)
	rStr := unquoteSide(right)
	switch op {
	case "==", "===":
		return lStr == rStr, nil
	case "!=", "!==":
		return lStr != rStr, nil
	case "<":
		return lStr < rStr, nil
	case ">":
		return lStr > rStr, nil
	case "<=":
		return lStr <= rStr, nil
	case ">=":
		return lStr >= rStr, nil
	}
	return false, fmt.Errorf("unsupported comparison operator %q", op)
}

func unquoteSide(s string) string {
	s = strings.TrimSpace(s)
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	return s
}

// evaluateArithmetic parses and evaluates a pure arithmetic expression with
// + - * / %, parentheses, unary minus and decimal numbers. Division and
// modulo by zero are hard errors.
func evaluateArithmetic(expr string) (float64, error) {
	p := &parser{input: expr}
	result, err := p.parseAddSub()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return result, nil
}

// parser is a hand-written recursive-descent arithmetic parser.
// Grammar: addsub := muldiv (('+'|'-') muldiv)*
//          muldiv := unary (('*'|'/'|'%') unary)*
//          unary  := '-' unary | primary
//          primary := number | '(' addsub ')'
type parser struct {
	input string
	pos   int
}

func (p *parser) parseAddSub() (float64, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		switch p.input[p.pos] {
		case '+':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *parser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		switch p.input[p.pos] {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = float64(int64(left) % int64(right))
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (float64, error) {
	p.skipSpaces()
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (float64, error) {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	if p.input[p.pos] == '(' {
		p.pos++
		v, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("unbalanced parentheses")
		}
		p.pos++
		return v, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
