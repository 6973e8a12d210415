// Package timeutc flags time.Now() calls whose result is not immediately
// normalized with .UTC(). Lease expiry arithmetic and queue ordering compare
// timestamps written by different processes, so every wall-clock read has to
// convert at the call site.
package timeutc

import (
	"go/ast"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"

	"github.com/cloudrpa/fleet/tools/linters/internal/nolint"
)

// Analyzer detects time.Now() calls without a trailing .UTC().
var Analyzer = &analysis.Analyzer{
	Name:     "timeutc",
	Doc:      "checks for time.Now() calls without .UTC() to ensure timezone consistency",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (any, error) {
	ins := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)
	suppressed := nolint.Collect(pass, "timeutc")

	nodeFilter := []ast.Node{(*ast.CallExpr)(nil)}
	ins.WithStack(nodeFilter, func(n ast.Node, push bool, stack []ast.Node) bool {
		if !push {
			return false
		}
		call := n.(*ast.CallExpr)
		if !isTimeNow(call) || utcFollows(stack) || suppressed.Suppressed(pass.Fset, call.Pos()) {
			return true
		}
		pass.Reportf(call.Pos(), "time.Now() should be followed by .UTC() for timezone consistency")
		return true
	})

	return nil, nil
}

// isTimeNow matches calls of the form time.Now().
func isTimeNow(call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Now" {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	return ok && pkg.Name == "time"
}

// utcFollows reports whether the call at the top of the stack is the
// receiver of a .UTC() selector. A selector's only expression child is its
// receiver, so checking the direct parent is enough.
func utcFollows(stack []ast.Node) bool {
	if len(stack) < 2 {
		return false
	}
	sel, ok := stack[len(stack)-2].(*ast.SelectorExpr)
	return ok && sel.Sel.Name == "UTC"
}
