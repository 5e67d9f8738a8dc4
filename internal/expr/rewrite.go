package expr

import "duck-semantic/internal/domain"

// RewriteFunc replaces a node. It receives nodes whose children have already
// been rewritten and returns the node to use in their place.
type RewriteFunc func(Node) (Node, error)

// Rewrite applies fn bottom-up and returns a new tree. The input tree is
// never modified; untouched leaves may be shared between both trees.
func Rewrite(n Node, fn RewriteFunc) (Node, error) {
	var err error
	switch x := n.(type) {
	case nil:
		return nil, nil
	case *UnaryOp:
		c := &UnaryOp{Op: x.Op}
		if c.X, err = Rewrite(x.X, fn); err != nil {
			return nil, err
		}
		return fn(c)
	case *BinaryOp:
		c := &BinaryOp{Op: x.Op}
		if c.Left, err = Rewrite(x.Left, fn); err != nil {
			return nil, err
		}
		if c.Right, err = Rewrite(x.Right, fn); err != nil {
			return nil, err
		}
		return fn(c)
	case *Call:
		c := &Call{Name: x.Name}
		if c.Args, err = rewriteList(x.Args, fn); err != nil {
			return nil, err
		}
		return fn(c)
	case *Case:
		c := &Case{Whens: make([]When, len(x.Whens))}
		for i, w := range x.Whens {
			if c.Whens[i].Cond, err = Rewrite(w.Cond, fn); err != nil {
				return nil, err
			}
			if c.Whens[i].Result, err = Rewrite(w.Result, fn); err != nil {
				return nil, err
			}
		}
		if c.Else, err = Rewrite(x.Else, fn); err != nil {
			return nil, err
		}
		return fn(c)
	case *Window:
		c := &Window{OrderBy: make([]OrderItem, len(x.OrderBy))}
		f, err := Rewrite(x.Func, fn)
		if err != nil {
			return nil, err
		}
		call, ok := f.(*Call)
		if !ok {
			return nil, domain.ErrExpression("window function must remain a call")
		}
		c.Func = call
		if c.PartitionBy, err = rewriteList(x.PartitionBy, fn); err != nil {
			return nil, err
		}
		for i, o := range x.OrderBy {
			if c.OrderBy[i].X, err = Rewrite(o.X, fn); err != nil {
				return nil, err
			}
			c.OrderBy[i].Desc = o.Desc
		}
		return fn(c)
	case *ColumnRef:
		return fn(Col(x.Name, x.Path...))
	default:
		return fn(n)
	}
}

func rewriteList(nodes []Node, fn RewriteFunc) ([]Node, error) {
	if nodes == nil {
		return nil, nil
	}
	out := make([]Node, 0, len(nodes))
	for _, a := range nodes {
		r, err := Rewrite(a, fn)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Walk visits n and its descendants in pre-order. Returning false from fn
// skips the children of the current node.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch x := n.(type) {
	case *UnaryOp:
		Walk(x.X, fn)
	case *BinaryOp:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *Call:
		for _, a := range x.Args {
			Walk(a, fn)
		}
	case *Case:
		for _, w := range x.Whens {
			Walk(w.Cond, fn)
			Walk(w.Result, fn)
		}
		Walk(x.Else, fn)
	case *Window:
		Walk(x.Func, fn)
		for _, p := range x.PartitionBy {
			Walk(p, fn)
		}
		for _, o := range x.OrderBy {
			Walk(o.X, fn)
		}
	}
}

// Substitute fills the placeholders of a transform template: @ becomes
// input, @n becomes args[n-1] and @* inside a call expands to all args.
func Substitute(template, input Node, args []Node) (Node, error) {
	return Rewrite(template, func(n Node) (Node, error) {
		switch x := n.(type) {
		case *ArgPlaceholder:
			switch {
			case x.Index == ArgInput:
				return input, nil
			case x.Index == ArgAll:
				// expanded by the enclosing call
				return x, nil
			case x.Index > len(args):
				return nil, domain.ErrExpression("transform expects at least %d argument(s), got %d", x.Index, len(args))
			}
			return args[x.Index-1], nil
		case *Call:
			if !hasSpread(x.Args) {
				return x, nil
			}
			expanded := make([]Node, 0, len(x.Args)+len(args))
			for _, a := range x.Args {
				if ph, ok := a.(*ArgPlaceholder); ok && ph.Index == ArgAll {
					expanded = append(expanded, args...)
					continue
				}
				expanded = append(expanded, a)
			}
			if err := checkCall(x.Name, len(expanded)); err != nil {
				return nil, err
			}
			return &Call{Name: x.Name, Args: expanded}, nil
		}
		return n, nil
	})
}

// HasPlaceholders reports whether n contains @, @n or @*.
func HasPlaceholders(n Node) bool {
	found := false
	Walk(n, func(n Node) bool {
		if _, ok := n.(*ArgPlaceholder); ok {
			found = true
		}
		return !found
	})
	return found
}

// MaxArgIndex returns the highest @n index used in n.
func MaxArgIndex(n Node) int {
	highest := 0
	Walk(n, func(n Node) bool {
		if ph, ok := n.(*ArgPlaceholder); ok && ph.Index > highest {
			highest = ph.Index
		}
		return true
	})
	return highest
}

// MeasureRefs returns the distinct measure ids referenced by n in order of
// first appearance.
func MeasureRefs(n Node) []string {
	var ids []string
	seen := map[string]bool{}
	Walk(n, func(n Node) bool {
		if m, ok := n.(*MeasureRef); ok && !seen[m.ID] {
			seen[m.ID] = true
			ids = append(ids, m.ID)
		}
		return true
	})
	return ids
}

// DimensionRefs returns the distinct dimension ids referenced by n.
func DimensionRefs(n Node) []string {
	var ids []string
	seen := map[string]bool{}
	Walk(n, func(n Node) bool {
		if d, ok := n.(*DimensionRef); ok && !seen[d.ID] {
			seen[d.ID] = true
			ids = append(ids, d.ID)
		}
		return true
	})
	return ids
}

// ColumnRefs returns every column reference in n.
func ColumnRefs(n Node) []*ColumnRef {
	var refs []*ColumnRef
	Walk(n, func(n Node) bool {
		if c, ok := n.(*ColumnRef); ok {
			refs = append(refs, c)
		}
		return true
	})
	return refs
}

// PrefixColumns returns n with every column reference qualified by prefix.
func PrefixColumns(n Node, prefix ...string) (Node, error) {
	if len(prefix) == 0 {
		return n, nil
	}
	return Rewrite(n, func(n Node) (Node, error) {
		c, ok := n.(*ColumnRef)
		if !ok {
			return n, nil
		}
		path := make([]string, 0, len(prefix)+len(c.Path))
		path = append(path, prefix...)
		path = append(path, c.Path...)
		return &ColumnRef{Path: path, Name: c.Name}, nil
	})
}
