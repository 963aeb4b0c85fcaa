package tensor

import (
	"fmt"
)

// Backward computes gradients of a scalar tensor with respect to every leaf
// that requires them. Leaf gradients accumulate across calls until ZeroGrad.
func (t *Tensor) Backward() error {
	if len(t.Data) != 1 {
		return fmt.Errorf("backward requires a scalar output, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require gradients")
	}

	order := topologicalOrder(t)
	grads := make(map[*Tensor]*Tensor, len(order))
	grads[t] = &Tensor{Shape: append([]int(nil), t.Shape...), Strides: calculateStrides(t.Shape), Device: t.Device, Data: []float32{1}}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		gradOut := grads[node]
		if gradOut == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			node.accumulateGrad(gradOut)
			continue
		}

		inputGrads, err := node.creator.Backward(gradOut)
		if err != nil {
			return fmt.Errorf("backward through %T failed: %w", node.creator, err)
		}

		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("%T returned %d gradients for %d inputs", node.creator, len(inputGrads), len(inputs))
		}
		for j, in := range inputs {
			g := inputGrads[j]
			if in == nil || g == nil || !in.requiresGrad {
				continue
			}
			if len(g.Data) != len(in.Data) {
				return fmt.Errorf("%w: gradient for %T input %d has %d elements, want %d", ErrShapeMismatch, node.creator, j, len(g.Data), len(in.Data))
			}
			if existing, ok := grads[in]; ok {
				sum := make([]float32, len(existing.Data))
				for k := range sum {
					sum[k] = existing.Data[k] + g.Data[k]
				}
				grads[in] = &Tensor{Shape: existing.Shape, Strides: existing.Strides, Device: existing.Device, Data: sum}
			} else {
				grads[in] = g
			}
		}
	}

	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		t.grad = &Tensor{
			Shape:   append([]int(nil), t.Shape...),
			Strides: calculateStrides(t.Shape),
			Device:  t.Device,
			Data:    make([]float32, len(t.Data)),
		}
	}
	for i, v := range g.Data {
		t.grad.Data[i] += v
	}
}

// topologicalOrder lists every node reachable from root with inputs before outputs
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node     *Tensor
		expanded bool
	}
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.expanded {
			order = append(order, top.node)
			continue
		}
		if visited[top.node] {
			continue
		}
		visited[top.node] = true
		stack = append(stack, frame{node: top.node, expanded: true})

		if top.node.creator == nil {
			continue
		}
		for _, in := range top.node.creator.Inputs() {
			if in != nil && in.requiresGrad && !visited[in] {
				stack = append(stack, frame{node: in})
			}
		}
	}

	return order
}
