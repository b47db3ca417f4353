package backends

import (
	"fmt"
)

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Non-positive entries are dynamic.
	Dimensions Shape
	// Element type, "float32" for the u2net family. Empty when the backend does not report it.
	ElementType string
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NumElements is the product of all dimensions.
func (s Shape) NumElements() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, v := range s {
		n *= v
	}
	return n
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape Shape
	Data  []float32
}

// NewTensor checks that every dimension is positive and that data holds exactly one value per element.
func NewTensor(shape Shape, data []float32) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("tensor shape must have at least one dimension")
	}
	for i, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("tensor dimension %d of shape %s is not positive", i, shape)
		}
	}
	if n := shape.NumElements(); n != int64(len(data)) {
		return nil, fmt.Errorf("tensor shape %s needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// checkAgainst verifies that t can be fed to an input described by meta.
func (t *Tensor) checkAgainst(meta InputOutputInfo) error {
	if meta.ElementType != "" && meta.ElementType != "float32" {
		return fmt.Errorf("input %s expects %s elements, got float32", meta.Name, meta.ElementType)
	}
	if len(meta.Dimensions) != len(t.Shape) {
		return fmt.Errorf("input %s expects rank %d (%s), got shape %s", meta.Name, len(meta.Dimensions), meta.Dimensions, t.Shape)
	}
	for i, d := range meta.Dimensions {
		if d > 0 && d != t.Shape[i] {
			return fmt.Errorf("input %s expects shape %s, got %s", meta.Name, meta.Dimensions, t.Shape)
		}
	}
	return nil
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}
