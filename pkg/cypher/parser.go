package cypher

import (
	"fmt"
	"strconv"
)

// Parse parses a query of the supported Cypher subset:
//
//	CREATE pattern[, pattern]*
//	MATCH pattern[, pattern]* [WHERE cond [AND cond]*]
//	    (RETURN [DISTINCT] items [SKIP n] [LIMIT n] | [DETACH] DELETE vars | CREATE pattern[, pattern]*)
//
// Errors are *SyntaxError values carrying the byte offset of the problem.
func Parse(query string) (*Query, error) {
	tokens, err := tokenize(query)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	return q, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) peekN(n int) token {
	if p.pos+n >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+n]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(s string) bool {
	if p.peek().is(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(s string) (token, error) {
	t := p.peek()
	if !t.is(s) {
		return t, p.errorf(t, "expected %q, found %s", s, t.describe())
	}
	p.pos++
	return t, nil
}

func (p *parser) expectIdent(what string) (token, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return t, p.errorf(t, "expected %s, found %s", what, t.describe())
	}
	p.pos++
	return t, nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Offset: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseQuery() (*Query, error) {
	q := &Query{}
	t := p.peek()

	switch {
	case t.is("CREATE"):
		p.next()
		patterns, err := p.parsePatternList(true)
		if err != nil {
			return nil, err
		}
		q.Create = patterns

	case t.is("MATCH"):
		for p.accept("MATCH") {
			patterns, err := p.parsePatternList(false)
			if err != nil {
				return nil, err
			}
			q.Match = append(q.Match, patterns...)
		}
		if p.accept("WHERE") {
			conds, err := p.parseConditions()
			if err != nil {
				return nil, err
			}
			q.Where = conds
		}

		t := p.peek()
		switch {
		case t.is("RETURN"):
			ret, err := p.parseReturn()
			if err != nil {
				return nil, err
			}
			q.Return = ret
		case t.is("DETACH"), t.is("DELETE"):
			del, err := p.parseDelete()
			if err != nil {
				return nil, err
			}
			q.Delete = del
		case t.is("CREATE"):
			p.next()
			patterns, err := p.parsePatternList(true)
			if err != nil {
				return nil, err
			}
			q.Create = patterns
		default:
			return nil, p.errorf(t, "expected RETURN, DELETE or CREATE, found %s", t.describe())
		}

	default:
		return nil, p.errorf(t, "expected MATCH or CREATE, found %s", t.describe())
	}

	p.accept(";")
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t.describe())
	}
	return q, nil
}

// ============================================================================
// Patterns
// ============================================================================

func (p *parser) parsePatternList(create bool) ([]*PathPattern, error) {
	var patterns []*PathPattern
	for {
		pp, err := p.parsePathPattern(create)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, pp)
		if !p.accept(",") {
			return patterns, nil
		}
	}
}

func (p *parser) parsePathPattern(create bool) (*PathPattern, error) {
	pp := &PathPattern{}
	if p.peek().kind == tokIdent && p.peekN(1).is("=") {
		pp.Variable = p.next().text
		p.next()
	}

	if t := p.peek(); t.is("shortestPath") && p.peekN(1).is("(") {
		if create {
			return nil, p.errorf(t, "shortestPath is not allowed in CREATE")
		}
		p.next()
		p.next()
		if err := p.parseChain(pp); err != nil {
			return nil, err
		}
		if _, err := p.expect(")"); err != nil {
			return nil, err
		}
		if len(pp.Rels) != 1 {
			return nil, p.errorf(t, "shortestPath requires exactly one relationship pattern")
		}
		pp.ShortestPath = true
		return pp, nil
	}

	if err := p.parseChain(pp); err != nil {
		return nil, err
	}
	if create {
		for _, rel := range pp.Rels {
			switch {
			case len(rel.Types) != 1:
				return nil, &SyntaxError{Offset: rel.pos, Msg: "a relationship in CREATE must have exactly one type"}
			case rel.Direction == DirectionBoth:
				return nil, &SyntaxError{Offset: rel.pos, Msg: "a relationship in CREATE must have a direction"}
			case rel.VarLength:
				return nil, &SyntaxError{Offset: rel.pos, Msg: "variable length relationships cannot be created"}
			}
		}
	}
	return pp, nil
}

func (p *parser) parseChain(pp *PathPattern) error {
	node, err := p.parseNodePattern()
	if err != nil {
		return err
	}
	pp.Nodes = append(pp.Nodes, node)

	for p.peek().is("-") || p.peek().is("<") {
		rel, err := p.parseRelationshipPattern()
		if err != nil {
			return err
		}
		node, err := p.parseNodePattern()
		if err != nil {
			return err
		}
		pp.Rels = append(pp.Rels, rel)
		pp.Nodes = append(pp.Nodes, node)
	}
	return nil
}

func (p *parser) parseNodePattern() (*NodePattern, error) {
	open, err := p.expect("(")
	if err != nil {
		return nil, err
	}
	np := &NodePattern{pos: open.pos}
	if p.peek().kind == tokIdent {
		np.Variable = p.next().text
	}
	for p.accept(":") {
		label, err := p.expectIdent("label")
		if err != nil {
			return nil, err
		}
		np.Labels = append(np.Labels, label.text)
	}
	if p.peek().is("{") {
		props, err := p.parseMap()
		if err != nil {
			return nil, err
		}
		np.Properties = props
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	return np, nil
}

func (p *parser) parseRelationshipPattern() (*RelationshipPattern, error) {
	start := p.peek()
	rp := &RelationshipPattern{MinHops: 1, MaxHops: 1, pos: start.pos}

	left := p.accept("<")
	if _, err := p.expect("-"); err != nil {
		return nil, err
	}

	if p.accept("[") {
		if p.peek().kind == tokIdent {
			rp.Variable = p.next().text
		}
		if p.accept(":") {
			for {
				typ, err := p.expectIdent("relationship type")
				if err != nil {
					return nil, err
				}
				rp.Types = append(rp.Types, typ.text)
				if !p.accept("|") {
					break
				}
				p.accept(":")
			}
		}
		if p.accept("*") {
			if err := p.parseHops(rp); err != nil {
				return nil, err
			}
		}
		if p.peek().is("{") {
			props, err := p.parseMap()
			if err != nil {
				return nil, err
			}
			rp.Properties = props
		}
		if _, err := p.expect("]"); err != nil {
			return nil, err
		}
	}

	if _, err := p.expect("-"); err != nil {
		return nil, err
	}
	right := p.accept(">")

	switch {
	case left && right:
		return nil, p.errorf(start, "relationship cannot point both ways")
	case left:
		rp.Direction = DirectionIncoming
	case right:
		rp.Direction = DirectionOutgoing
	default:
		rp.Direction = DirectionBoth
	}
	return rp, nil
}

// parseHops handles the part after '*': "", "n", "n..", "n..m", "..m".
func (p *parser) parseHops(rp *RelationshipPattern) error {
	rp.VarLength = true
	rp.MinHops = 1
	rp.MaxHops = maxVarLengthHops

	if p.peek().kind == tokNumber {
		n, err := p.parseInt()
		if err != nil {
			return err
		}
		if p.accept("..") {
			rp.MinHops = n
			if p.peek().kind == tokNumber {
				if rp.MaxHops, err = p.parseInt(); err != nil {
					return err
				}
			}
		} else {
			rp.MinHops, rp.MaxHops = n, n
		}
	} else if p.accept("..") {
		if p.peek().kind == tokNumber {
			m, err := p.parseInt()
			if err != nil {
				return err
			}
			rp.MaxHops = m
		}
	}

	if rp.MaxHops > maxVarLengthHops {
		rp.MaxHops = maxVarLengthHops
	}
	if rp.MinHops > rp.MaxHops {
		return &SyntaxError{Offset: rp.pos, Msg: fmt.Sprintf("invalid hop range %d..%d", rp.MinHops, rp.MaxHops)}
	}
	return nil
}

// ============================================================================
// Literals
// ============================================================================

func (p *parser) parseInt() (int, error) {
	t := p.next()
	if t.kind != tokNumber {
		return 0, p.errorf(t, "expected integer, found %s", t.describe())
	}
	n, err := strconv.Atoi(t.text)
	if err != nil {
		return 0, p.errorf(t, "expected integer, found %s", t.describe())
	}
	return n, nil
}

func (p *parser) parseMap() (map[string]any, error) {
	if _, err := p.expect("{"); err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if p.accept("}") {
		return m, nil
	}
	for {
		key := p.next()
		if key.kind != tokIdent && key.kind != tokString {
			return nil, p.errorf(key, "expected property name, found %s", key.describe())
		}
		if _, err := p.expect(":"); err != nil {
			return nil, err
		}
		val, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		m[key.text] = val
		if p.accept(",") {
			continue
		}
		if _, err := p.expect("}"); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func (p *parser) parseList() ([]any, error) {
	if _, err := p.expect("["); err != nil {
		return nil, err
	}
	list := []any{}
	if p.accept("]") {
		return list, nil
	}
	for {
		val, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		list = append(list, val)
		if p.accept(",") {
			continue
		}
		if _, err := p.expect("]"); err != nil {
			return nil, err
		}
		return list, nil
	}
}

// parseLiteral returns string, int64, float64, bool, nil, []any or map[string]any.
func (p *parser) parseLiteral() (any, error) {
	t := p.peek()
	switch {
	case t.kind == tokString:
		p.next()
		return t.text, nil
	case t.kind == tokNumber, t.is("-"):
		neg := p.accept("-")
		num := p.next()
		if num.kind != tokNumber {
			return nil, p.errorf(num, "expected number, found %s", num.describe())
		}
		text := num.text
		if neg {
			text = "-" + text
		}
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, p.errorf(num, "invalid number %s", num.describe())
		}
		return f, nil
	case t.is("true"):
		p.next()
		return true, nil
	case t.is("false"):
		p.next()
		return false, nil
	case t.is("null"):
		p.next()
		return nil, nil
	case t.is("["):
		return p.parseList()
	case t.is("{"):
		return p.parseMap()
	}
	return nil, p.errorf(t, "expected literal, found %s", t.describe())
}

// ============================================================================
// Clauses
// ============================================================================

var comparisonOps = []string{"=", "<>", "!=", "<=", ">=", "<", ">"}

func (p *parser) parseConditions() ([]*Condition, error) {
	var conds []*Condition
	for {
		v, err := p.expectIdent("variable")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect("."); err != nil {
			return nil, err
		}
		prop, err := p.expectIdent("property name")
		if err != nil {
			return nil, err
		}

		opTok := p.next()
		op := ""
		for _, candidate := range comparisonOps {
			if opTok.is(candidate) {
				op = candidate
				break
			}
		}
		if op == "" {
			return nil, p.errorf(opTok, "expected comparison operator, found %s", opTok.describe())
		}
		if op == "!=" {
			op = "<>"
		}

		val, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		conds = append(conds, &Condition{Variable: v.text, Property: prop.text, Op: op, Value: val, pos: v.pos})
		if !p.accept("AND") {
			return conds, nil
		}
	}
}

func (p *parser) parseReturn() (*ReturnClause, error) {
	if _, err := p.expect("RETURN"); err != nil {
		return nil, err
	}
	rc := &ReturnClause{Limit: -1}
	rc.Distinct = p.accept("DISTINCT")

	if p.accept("*") {
		rc.All = true
	} else {
		for {
			v, err := p.expectIdent("variable")
			if err != nil {
				return nil, err
			}
			item := &ReturnItem{Variable: v.text, pos: v.pos}
			if p.accept(".") {
				prop, err := p.expectIdent("property name")
				if err != nil {
					return nil, err
				}
				item.Property = prop.text
			}
			if p.accept("AS") {
				alias, err := p.expectIdent("alias")
				if err != nil {
					return nil, err
				}
				item.Alias = alias.text
			}
			rc.Items = append(rc.Items, item)
			if !p.accept(",") {
				break
			}
		}
	}

	if p.accept("SKIP") {
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		rc.Skip = n
	}
	if p.accept("LIMIT") {
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		rc.Limit = n
	}
	return rc, nil
}

func (p *parser) parseDelete() (*DeleteClause, error) {
	dc := &DeleteClause{pos: p.peek().pos}
	dc.Detach = p.accept("DETACH")
	if _, err := p.expect("DELETE"); err != nil {
		return nil, err
	}
	for {
		v, err := p.expectIdent("variable")
		if err != nil {
			return nil, err
		}
		dc.Variables = append(dc.Variables, v.text)
		if !p.accept(",") {
			return dc, nil
		}
	}
}

// ============================================================================
// Semantic checks
// ============================================================================

type varKind int

const (
	varNode varKind = iota + 1
	varRel
	varPath
)

func (k varKind) String() string {
	switch k {
	case varNode:
		return "node"
	case varRel:
		return "relationship"
	default:
		return "path"
	}
}

func bindPatternVars(vars map[string]varKind, patterns []*PathPattern) error {
	bind := func(name string, kind varKind, pos int) error {
		if name == "" {
			return nil
		}
		if prev, ok := vars[name]; ok && prev != kind {
			return &SyntaxError{Offset: pos, Msg: fmt.Sprintf("variable `%s` already declared as %s", name, prev)}
		}
		vars[name] = kind
		return nil
	}
	for _, pp := range patterns {
		for _, n := range pp.Nodes {
			if err := bind(n.Variable, varNode, n.pos); err != nil {
				return err
			}
		}
		for _, r := range pp.Rels {
			if err := bind(r.Variable, varRel, r.pos); err != nil {
				return err
			}
		}
		if pp.Variable != "" {
			pos := 0
			if len(pp.Nodes) > 0 {
				pos = pp.Nodes[0].pos
			}
			if err := bind(pp.Variable, varPath, pos); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Query) validate() error {
	vars := make(map[string]varKind)
	if err := bindPatternVars(vars, q.Match); err != nil {
		return err
	}

	undefined := func(name string, pos int) error {
		return &SyntaxError{Offset: pos, Msg: fmt.Sprintf("variable `%s` not defined", name)}
	}

	for _, c := range q.Where {
		kind, ok := vars[c.Variable]
		if !ok {
			return undefined(c.Variable, c.pos)
		}
		if kind == varPath {
			return &SyntaxError{Offset: c.pos, Msg: fmt.Sprintf("path `%s` has no properties", c.Variable)}
		}
	}
	if q.Return != nil {
		for _, item := range q.Return.Items {
			kind, ok := vars[item.Variable]
			if !ok {
				return undefined(item.Variable, item.pos)
			}
			if kind == varPath && item.Property != "" {
				return &SyntaxError{Offset: item.pos, Msg: fmt.Sprintf("path `%s` has no properties", item.Variable)}
			}
		}
	}
	if q.Delete != nil {
		for _, name := range q.Delete.Variables {
			if _, ok := vars[name]; !ok {
				return undefined(name, q.Delete.pos)
			}
		}
	}
	if len(q.Create) > 0 {
		createVars := make(map[string]varKind, len(vars))
		for k, v := range vars {
			createVars[k] = v
		}
		if err := bindPatternVars(createVars, q.Create); err != nil {
			return err
		}
		for _, pp := range q.Create {
			for _, r := range pp.Rels {
				if _, bound := vars[r.Variable]; r.Variable != "" && bound {
					return &SyntaxError{Offset: r.pos, Msg: fmt.Sprintf("relationship `%s` is already bound", r.Variable)}
				}
			}
		}
	}
	return nil
}
