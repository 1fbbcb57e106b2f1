package pipeline

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// Describe renders the pipeline's stage chain as an ASCII tree, naming each
// stage's worker count and output queue capacity. Useful for logging a
// pipeline's shape at startup and for test failure output.
func (p *Pipeline) Describe() string {
	tree := treeprint.New()
	tree.SetValue("pipeline")
	for _, st := range p.stages {
		tree.AddNode(fmt.Sprintf("%s (workers=%d, qsize=%d)", st.name, st.workers, st.qsize))
	}
	return tree.String()
}
