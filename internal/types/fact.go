package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/mangle/ast"
)

// =============================================================================
// AUDIT FACT TYPES
// =============================================================================

// Atom represents a Mangle name constant (starting with /). The explicit
// type avoids ambiguity between plain strings and atoms in audit facts.
type Atom string

// Fact is a single logical fact emitted by the audit log. Operators load
// audit output into a Mangle store to query governance history
// declaratively (e.g. denial(T, /budget_exceeded, Agent)).
type Fact struct {
	Predicate string
	Args      []interface{}
}

// isNameConstant reports whether a string should be treated as a Mangle
// name constant rather than a string constant. Governance reason strings
// ("budget_exceeded" etc.) stay strings; only /-prefixed short tokens
// become names.
func isNameConstant(v string) bool {
	if !strings.HasPrefix(v, "/") {
		return false
	}
	if strings.ContainsAny(v, " \t\n\r") {
		return false
	}
	// Identity keys and paths can contain many slashes; names are short.
	if strings.Count(v, "/") > 2 {
		return false
	}
	_, err := ast.Name(v)
	return err == nil
}

// String returns the Datalog source representation of the fact.
func (f Fact) String() string {
	var args []string
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case Atom:
			args = append(args, string(v))
		case string:
			if isNameConstant(v) {
				args = append(args, v)
			} else {
				args = append(args, fmt.Sprintf("%q", v))
			}
		case int:
			args = append(args, fmt.Sprintf("%d", v))
		case int64:
			args = append(args, fmt.Sprintf("%d", v))
		case float64:
			args = append(args, fmt.Sprintf("%f", v))
		case bool:
			if v {
				args = append(args, "/true")
			} else {
				args = append(args, "/false")
			}
		default:
			args = append(args, fmt.Sprintf("%v", v))
		}
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(args, ", "))
}

// ToAtom converts the fact to a Mangle AST atom for direct store insertion.
func (f Fact) ToAtom() (ast.Atom, error) {
	var terms []ast.BaseTerm
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case Atom:
			s := string(v)
			if !strings.HasPrefix(s, "/") {
				terms = append(terms, ast.String(s))
				continue
			}
			c, err := ast.Name(s)
			if err != nil {
				return ast.Atom{}, err
			}
			terms = append(terms, c)
		case string:
			if isNameConstant(v) {
				c, _ := ast.Name(v)
				terms = append(terms, c)
			} else {
				terms = append(terms, ast.String(v))
			}
		case int:
			terms = append(terms, ast.Number(int64(v)))
		case int64:
			terms = append(terms, ast.Number(v))
		case float64:
			// Mangle v0.4.0 has no float type; fixed-point cents keep two
			// decimals of precision.
			terms = append(terms, ast.Number(int64(v*100)))
		case time.Time:
			terms = append(terms, ast.Number(v.UnixMilli()))
		case time.Duration:
			terms = append(terms, ast.Number(v.Milliseconds()))
		case bool:
			if v {
				terms = append(terms, ast.TrueConstant)
			} else {
				terms = append(terms, ast.FalseConstant)
			}
		default:
			terms = append(terms, ast.String(fmt.Sprintf("%v", v)))
		}
	}
	return ast.NewAtom(f.Predicate, terms...), nil
}
