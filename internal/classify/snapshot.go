package classify

import (
	"github.com/vincentbai/uxtrace/internal/models"
)

// DefaultMaxNodes bounds a single snapshot.
const DefaultMaxNodes = 10000

// Snapshot copies the tree under root into its serialisable form, tagging
// every node with its role. Traversal uses an explicit stack: a node reached
// twice (a cycle or a shared child) is emitted once, and traversal stops
// adding nodes once maxNodes have been emitted. maxNodes <= 0 means
// DefaultMaxNodes.
func Snapshot(root *models.ComponentNode, maxNodes int) *models.ComponentSnapshot {
	if root == nil {
		return nil
	}
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}

	type frame struct {
		node *models.ComponentNode
		out  *models.ComponentSnapshot
	}

	top := snapshotNode(root)
	visited := map[*models.ComponentNode]bool{root: true}
	stack := []frame{{node: root, out: top}}
	emitted := 1

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, child := range current.node.Children {
			if child == nil || visited[child] {
				continue
			}
			if emitted >= maxNodes {
				return top
			}
			visited[child] = true
			emitted++
			out := snapshotNode(child)
			current.out.Children = append(current.out.Children, out)
			stack = append(stack, frame{node: child, out: out})
		}
	}
	return top
}

func snapshotNode(node *models.ComponentNode) *models.ComponentSnapshot {
	return &models.ComponentSnapshot{
		TagName:       node.Tag,
		ID:            node.ID,
		ComponentType: Classify(node),
		Children:      []*models.ComponentSnapshot{},
	}
}
