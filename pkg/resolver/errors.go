package resolver

import (
	"fmt"
	"strings"
)

// maxInitDepth bounds dependency chains whose parameters keep changing and
// therefore never repeat exactly.
const maxInitDepth = 256

// CycleError reports a module that depends on itself through its
// declarations.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// invariant panics on reference-count or ordering violations. These are
// resolver bugs, not user errors.
func (n *node) invariant(format string, args ...any) {
	panic(fmt.Sprintf("resolver: %s[%s]: %s", n.name, n.key, fmt.Sprintf(format, args...)))
}
