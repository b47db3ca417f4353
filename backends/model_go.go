package backends

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/advancedclimatesystems/gonnx/onnx"
	"gorgonia.org/tensor"

	"github.com/DougieWougie/RemoveBackground/util/fileutil"
)

// GoModel runs the network with the pure Go gonnx interpreter.
type GoModel struct {
	Model *gonnx.Model
}

func createGoModelBackend(model *Model) error {
	onnxBytes, err := fileutil.ReadFileBytes(model.Path)
	if err != nil {
		return err
	}
	mp, err := gonnx.ModelProtoFromBytes(onnxBytes)
	if err != nil {
		return err
	}
	if err = CheckGoModelSupport(mp); err != nil {
		return err
	}
	goModel, err := gonnx.NewModel(mp)
	if err != nil {
		return err
	}
	model.GoModel = &GoModel{Model: goModel}
	model.InputsMeta, model.OutputsMeta = loadInputOutputMetaGo(goModel)
	return nil
}

// CheckGoOpset fails for an opset gonnx has no operators for. Zero means unknown and passes.
func CheckGoOpset(opset int64) error {
	if opset == 0 {
		return nil
	}
	if _, err := gonnx.ResolveOperatorGetter(opset); err != nil {
		return fmt.Errorf("opset %d: %w, the GO backend only runs opset 13 models, use the ORT backend", opset, err)
	}
	return nil
}

// CheckGoModelSupport reports every operator of mp that gonnx cannot run.
func CheckGoModelSupport(mp *onnx.ModelProto) error {
	if mp.GetGraph() == nil {
		return errors.New("model has no graph")
	}
	var opset int64
	for _, imported := range mp.GetOpsetImport() {
		opset = max(opset, imported.GetVersion())
	}
	if err := CheckGoOpset(opset); err != nil {
		return err
	}
	getOperator, err := gonnx.ResolveOperatorGetter(opset)
	if err != nil {
		return err
	}
	var unsupported []string
	for _, node := range mp.GetGraph().GetNode() {
		if _, opErr := getOperator(node.GetOpType()); opErr != nil && !slices.Contains(unsupported, node.GetOpType()) {
			unsupported = append(unsupported, node.GetOpType())
		}
	}
	if len(unsupported) > 0 {
		slices.Sort(unsupported)
		return fmt.Errorf("operators not implemented by the GO backend: %s", strings.Join(unsupported, ", "))
	}
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func runGoModel(model *Model, input *Tensor) (*Tensor, error) {
	if model.GoModel == nil || model.GoModel.Model == nil {
		return nil, errors.New("go model is not initialized")
	}
	inputTensor := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(input.Shape.ValuesInt()...),
		tensor.WithBacking(slices.Clone(input.Data)),
	)
	outputs, err := model.GoModel.Model.Run(map[string]tensor.Tensor{model.InputsMeta[0].Name: inputTensor})
	if err != nil {
		return nil, err
	}
	outputName := model.OutputsMeta[0].Name
	output, ok := outputs[outputName]
	if !ok {
		return nil, fmt.Errorf("output %s missing from results", outputName)
	}
	data, ok := output.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("output %s has unsupported type %T", outputName, output.Data())
	}
	dims := output.Shape()
	shape := make(Shape, len(dims))
	for i, d := range dims {
		shape[i] = int64(d)
	}
	return NewTensor(shape, slices.Clone(data))
}
