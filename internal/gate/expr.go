package gate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The expression gate evaluates a small, JS-flavoured expression language
// over a single root value named data. The grammar is deliberately closed:
// member access on data, literals, arithmetic, strict comparisons, boolean
// logic, and calls to a fixed whitelist of string/array methods. Anything
// else fails the gate rather than erroring out.

// blockedTokens are rejected before parsing. The scan is defensive on
// purpose: a blocked name inside a string literal still fails the gate.
var blockedTokens = []string{
	"process", "require", "import", "eval", "Function", "fetch",
	"globalThis", "constructor", "__proto__", "prototype", "new",
}

var blockedWordRe = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(blockedTokens))
	for _, tok := range blockedTokens {
		out[tok] = regexp.MustCompile(`(^|\W)` + regexp.QuoteMeta(tok) + `(\W|$)`)
	}
	return out
}()

// allowedMethods is the callable surface exposed on strings and arrays.
var allowedMethods = map[string]bool{
	"length":      true,
	"toLowerCase": true,
	"toUpperCase": true,
	"trim":        true,
	"includes":    true,
	"startsWith":  true,
	"endsWith":    true,
	"indexOf":     true,
}

func evalExpression(spec Spec, data any) Result {
	expr := strings.TrimSpace(spec.Expr)
	if expr == "" {
		return Result{Passed: false, Reason: "expression gate missing expr"}
	}

	for tok, re := range blockedWordRe {
		if re.MatchString(expr) {
			return Result{Passed: false, Reason: fmt.Sprintf("token %q is blocked", tok)}
		}
	}
	if strings.Contains(expr, "??") {
		return Result{Passed: false, Reason: `token "??" is blocked`}
	}
	if strings.Contains(expr, "[") || strings.Contains(expr, "]") {
		return Result{Passed: false, Reason: "bracket indexing is blocked"}
	}

	tokens, err := lexExpr(expr)
	if err != nil {
		return Result{Passed: false, Reason: fmt.Sprintf("Unsupported syntax: %v", err)}
	}
	p := &exprParser{tokens: tokens}
	node, err := p.parseExpr()
	if err == nil && !p.atEOF() {
		err = fmt.Errorf("unexpected token %q", p.peek().text)
	}
	if err != nil {
		return Result{Passed: false, Reason: fmt.Sprintf("Unsupported syntax: %v", err)}
	}

	value, err := node.eval(data)
	if err != nil {
		return Result{Passed: false, Reason: err.Error()}
	}
	if !truthy(value) {
		return Result{Passed: false, Reason: "expression evaluated to false", Details: map[string]any{"value": value}}
	}
	return Result{Passed: true}
}

// ── lexer ──

type exprTokenKind int

const (
	tokIdent exprTokenKind = iota
	tokNumber
	tokString
	tokOp
	tokEOF
)

type exprToken struct {
	kind exprTokenKind
	text string
}

func lexExpr(input string) ([]exprToken, error) {
	var tokens []exprToken
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9':
			j := i
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			tokens = append(tokens, exprToken{tokNumber, input[i:j]})
			i = j
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated string")
			}
			tokens = append(tokens, exprToken{tokString, input[i+1 : j]})
			i = j + 1
		case isIdentStart(c):
			j := i
			for j < len(input) && isIdentPart(input[j]) {
				j++
			}
			tokens = append(tokens, exprToken{tokIdent, input[i:j]})
			i = j
		default:
			op, width := matchOperator(input[i:])
			if op == "" {
				return nil, fmt.Errorf("unexpected character %q", string(c))
			}
			tokens = append(tokens, exprToken{tokOp, op})
			i += width
		}
	}
	tokens = append(tokens, exprToken{tokEOF, ""})
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

var operators = []string{
	"===", "!==", "<=", ">=", "&&", "||",
	"<", ">", "+", "-", "*", "/", "%", "!", "(", ")", ".", ",",
}

// matchOperator is longest-match over the operator table. Loose equality
// ("==", "!=") never matches: the stray '=' fails the lex, which surfaces
// as an unsupported-syntax gate failure.
func matchOperator(input string) (string, int) {
	for _, op := range operators {
		if strings.HasPrefix(input, op) {
			return op, len(op)
		}
	}
	return "", 0
}

// ── parser ──

type exprNode interface {
	eval(data any) (any, error)
}

type exprParser struct {
	tokens []exprToken
	pos    int
}

func (p *exprParser) peek() exprToken { return p.tokens[p.pos] }
func (p *exprParser) next() exprToken { t := p.tokens[p.pos]; p.pos++; return t }
func (p *exprParser) atEOF() bool     { return p.peek().kind == tokEOF }

func (p *exprParser) acceptOp(op string) bool {
	if p.peek().kind == tokOp && p.peek().text == op {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) parseExpr() (exprNode, error) { return p.parseOr() }

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptOp("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{"||", left, right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.acceptOp("&&") {
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{"&&", left, right}
	}
	return left, nil
}

func (p *exprParser) parseEquality() (exprNode, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptOp("==="):
			right, err := p.parseRelational()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{"===", left, right}
		case p.acceptOp("!=="):
			right, err := p.parseRelational()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{"!==", left, right}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseRelational() (exprNode, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptOp("<="):
			op = "<="
		case p.acceptOp(">="):
			op = ">="
		case p.acceptOp("<"):
			op = "<"
		case p.acceptOp(">"):
			op = ">"
		default:
			return left, nil
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op, left, right}
	}
}

func (p *exprParser) parseAdditive() (exprNode, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptOp("+"):
			op = "+"
		case p.acceptOp("-"):
			op = "-"
		default:
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op, left, right}
	}
}

func (p *exprParser) parseMultiplicative() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptOp("*"):
			op = "*"
		case p.acceptOp("/"):
			op = "/"
		case p.acceptOp("%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op, left, right}
	}
}

func (p *exprParser) parseUnary() (exprNode, error) {
	if p.acceptOp("!") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{"!", inner}, nil
	}
	if p.acceptOp("-") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{"-", inner}, nil
	}
	return p.parsePostfix()
}

func (p *exprParser) parsePostfix() (exprNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.acceptOp(".") {
		name := p.next()
		if name.kind != tokIdent {
			return nil, fmt.Errorf("expected property name after '.'")
		}
		if p.acceptOp("(") {
			var args []exprNode
			if !p.acceptOp(")") {
				for {
					arg, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.acceptOp(")") {
						break
					}
					if !p.acceptOp(",") {
						return nil, fmt.Errorf("expected ',' or ')' in call")
					}
				}
			}
			node = &callNode{recv: node, method: name.text, args: args}
		} else {
			node = &memberNode{recv: node, name: name.text}
		}
	}
	return node, nil
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", tok.text)
		}
		return &literalNode{f}, nil
	case tokString:
		return &literalNode{tok.text}, nil
	case tokIdent:
		switch tok.text {
		case "data":
			return &dataNode{}, nil
		case "true":
			return &literalNode{true}, nil
		case "false":
			return &literalNode{false}, nil
		case "null", "undefined":
			return &literalNode{nil}, nil
		default:
			return nil, fmt.Errorf("unknown identifier %q", tok.text)
		}
	case tokOp:
		if tok.text == "(" {
			inner, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if !p.acceptOp(")") {
				return nil, fmt.Errorf("expected ')'")
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q", tok.text)
}

// ── evaluation ──

type dataNode struct{}

func (dataNode) eval(data any) (any, error) { return data, nil }

type literalNode struct{ value any }

func (n *literalNode) eval(any) (any, error) { return n.value, nil }

type memberNode struct {
	recv exprNode
	name string
}

func (n *memberNode) eval(data any) (any, error) {
	recv, err := n.recv.eval(data)
	if err != nil {
		return nil, err
	}
	if n.name == "length" {
		return lengthOf(recv)
	}
	obj, ok := recv.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("cannot access %q on %s", n.name, jsonTypeName(recv))
	}
	return obj[n.name], nil
}

type callNode struct {
	recv   exprNode
	method string
	args   []exprNode
}

func (n *callNode) eval(data any) (any, error) {
	if !allowedMethods[n.method] {
		return nil, fmt.Errorf("method %q is blocked", n.method)
	}
	recv, err := n.recv.eval(data)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(n.args))
	for i, arg := range n.args {
		if args[i], err = arg.eval(data); err != nil {
			return nil, err
		}
	}
	return callMethod(recv, n.method, args)
}

func callMethod(recv any, method string, args []any) (any, error) {
	if method == "length" {
		return lengthOf(recv)
	}
	if arr, ok := recv.([]any); ok {
		switch method {
		case "includes":
			if len(args) != 1 {
				return nil, fmt.Errorf("includes expects 1 argument")
			}
			for _, item := range arr {
				if strictEqual(item, args[0]) {
					return true, nil
				}
			}
			return false, nil
		case "indexOf":
			if len(args) != 1 {
				return nil, fmt.Errorf("indexOf expects 1 argument")
			}
			for i, item := range arr {
				if strictEqual(item, args[0]) {
					return float64(i), nil
				}
			}
			return float64(-1), nil
		}
		return nil, fmt.Errorf("method %q not supported on array", method)
	}
	str, ok := recv.(string)
	if !ok {
		return nil, fmt.Errorf("method %q not supported on %s", method, jsonTypeName(recv))
	}
	oneString := func() (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("%s expects 1 argument", method)
		}
		s, ok := args[0].(string)
		if !ok {
			return "", fmt.Errorf("%s expects a string argument", method)
		}
		return s, nil
	}
	switch method {
	case "toLowerCase":
		return strings.ToLower(str), nil
	case "toUpperCase":
		return strings.ToUpper(str), nil
	case "trim":
		return strings.TrimSpace(str), nil
	case "includes":
		arg, err := oneString()
		if err != nil {
			return nil, err
		}
		return strings.Contains(str, arg), nil
	case "startsWith":
		arg, err := oneString()
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(str, arg), nil
	case "endsWith":
		arg, err := oneString()
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(str, arg), nil
	case "indexOf":
		arg, err := oneString()
		if err != nil {
			return nil, err
		}
		return float64(strings.Index(str, arg)), nil
	}
	return nil, fmt.Errorf("method %q not supported on string", method)
}

func lengthOf(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return float64(len(v)), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	case nil:
		return nil, fmt.Errorf("cannot read length of null")
	default:
		return nil, fmt.Errorf("length not supported on %s", jsonTypeName(value))
	}
}

type unaryNode struct {
	op    string
	inner exprNode
}

func (n *unaryNode) eval(data any) (any, error) {
	value, err := n.inner.eval(data)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(value), nil
	case "-":
		f, ok := asNumber(value)
		if !ok {
			return nil, fmt.Errorf("unary '-' on non-number")
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

type binaryNode struct {
	op    string
	left  exprNode
	right exprNode
}

func (n *binaryNode) eval(data any) (any, error) {
	// Short-circuit the boolean operators.
	if n.op == "&&" || n.op == "||" {
		left, err := n.left.eval(data)
		if err != nil {
			return nil, err
		}
		if n.op == "&&" && !truthy(left) {
			return false, nil
		}
		if n.op == "||" && truthy(left) {
			return true, nil
		}
		right, err := n.right.eval(data)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := n.left.eval(data)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(data)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "===":
		return strictEqual(left, right), nil
	case "!==":
		return !strictEqual(left, right), nil
	}

	// String concatenation mirrors JS '+'.
	if n.op == "+" {
		ls, lok := left.(string)
		rs, rok := right.(string)
		if lok && rok {
			return ls + rs, nil
		}
	}

	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if !lok || !rok {
		// Relational comparison also works on strings.
		ls, lsok := left.(string)
		rs, rsok := right.(string)
		if lsok && rsok {
			switch n.op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
		return nil, fmt.Errorf("operator %q requires numbers", n.op)
	}
	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func strictEqual(a, b any) bool {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	default:
		return true
	}
}
