package tape

import (
	"fmt"

	"github.com/matzehuels/tapecore/internal/tape/tapeerr"
)

// PushPrefix pushes name onto the label-prefix stack. Every node created
// afterward has its label prefixed with each stack entry, joined by '/',
// innermost last — useful for scoping node names to a logical region of
// the computation (a layer, a loop iteration) the way the rest of the
// diagnostics hierarchy does.
func (t *Tape) PushPrefix(name string) {
	t.prefix = append(t.prefix, name)
}

// PopPrefix pops the most recently pushed prefix. It returns
// tapeerr.ErrPrefixUnderflow if the stack is already empty.
func (t *Tape) PopPrefix() error {
	if len(t.prefix) == 0 {
		return fmt.Errorf("pop_prefix(): %w", tapeerr.ErrPrefixUnderflow)
	}
	t.prefix = t.prefix[:len(t.prefix)-1]
	return nil
}

// SetLabel replaces idx's label with text wrapped in literal quotes — the
// quoting is what the Graphviz renderer uses to tell user-named nodes
// apart from ones the constructor named itself (e.g. "gather",
// "scatter_combine"). It is a no-op for idx 0.
func (t *Tape) SetLabel(idx Idx, text string) error {
	if idx == 0 {
		return nil
	}
	n, ok := t.nodes[idx]
	if !ok {
		return fmt.Errorf("set_label(%d): %w", idx, tapeerr.ErrUnknownNode)
	}
	n.label = "'" + text + "'"
	t.logf(3, "set_label", "idx", idx, "label", n.label)
	return nil
}
