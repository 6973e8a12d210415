// Package nointerface reports empty interface{} types that should use the
// predeclared alias 'any', with automatic fixes applicable via -fix.
//
// Since Go 1.18 'any' is an alias for interface{}; the short form reads
// better in signatures and composite types. Findings can be silenced with
// //nolint or //nolint:nointerface on the same line or the line above.
package nointerface

import (
	"go/ast"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"

	"github.com/cloudrpa/fleet/tools/linters/internal/nolint"
)

// Analyzer detects interface{} and suggests the 'any' alias.
var Analyzer = &analysis.Analyzer{
	Name:     "nointerface",
	Doc:      "checks for interface{} usage and suggests using 'any' (available since Go 1.18)",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (any, error) {
	ins := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)
	suppressed := nolint.Collect(pass, "nointerface")

	nodeFilter := []ast.Node{(*ast.InterfaceType)(nil)}
	ins.Preorder(nodeFilter, func(n ast.Node) {
		iface := n.(*ast.InterfaceType)
		if iface.Methods != nil && len(iface.Methods.List) > 0 {
			return
		}
		if suppressed.Suppressed(pass.Fset, iface.Pos()) {
			return
		}
		pass.Report(analysis.Diagnostic{
			Pos:     iface.Pos(),
			End:     iface.End(),
			Message: "use 'any' instead of 'interface{}' (available since Go 1.18)",
			SuggestedFixes: []analysis.SuggestedFix{{
				Message: "Replace 'interface{}' with 'any'",
				TextEdits: []analysis.TextEdit{{
					Pos:     iface.Pos(),
					End:     iface.End(),
					NewText: []byte("any"),
				}},
			}},
		})
	})

	return nil, nil
}
