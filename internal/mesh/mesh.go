// Package mesh resolves a logical parallelism layout (data axis, model
// axis, named tensor-parallel axes) against the physical device topology.
// It is a pure validating resolver invoked once per run; every component
// that shards tensors consumes the resulting axis mapping so placement is
// consistent across parameters, activations, and optimizer state.
package mesh

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMeshShape reports a parallelism layout that does not fit the device
// topology. Never coerced; the run fails before any compute.
var ErrMeshShape = errors.New("invalid mesh shape")

// Standard logical axis names.
const (
	AxisData  = "data"
	AxisModel = "model"
)

// Request is the parallelism section of the run config plus the device
// count reported by the topology query.
type Request struct {
	Devices              int
	DataAxisSize         int            // 0 derives devices / (model × tp)
	ModelAxisSize        int            // defaults to 1
	TensorParallelAxes   map[string]int // named extra axes, e.g. {"heads": 2}
	PerDeviceParallelism int            // examples per device per step
	GlobalBatchSize      int            // 0 derives perDevice × dataAxisSize
}

// Axis is one resolved logical axis bound to a physical mesh dimension.
type Axis struct {
	Name    string
	Size    int
	MeshDim int
}

// Mesh is the resolved device layout. Axes are ordered data, model, then
// tensor-parallel axes by name; MeshDim equals the axis position.
type Mesh struct {
	Axes            []Axis
	Devices         int
	GlobalBatchSize int
	PerDevice       int
}

// Plan validates the request and resolves the axis mapping.
func Plan(req Request) (Mesh, error) {
	if req.Devices <= 0 {
		return Mesh{}, fmt.Errorf("%w: device count %d", ErrMeshShape, req.Devices)
	}
	model := req.ModelAxisSize
	if model == 0 {
		model = 1
	}
	if model < 0 {
		return Mesh{}, fmt.Errorf("%w: model axis size %d", ErrMeshShape, req.ModelAxisSize)
	}

	tpNames := make([]string, 0, len(req.TensorParallelAxes))
	tpProduct := 1
	for name, size := range req.TensorParallelAxes {
		if name == AxisData || name == AxisModel {
			return Mesh{}, fmt.Errorf("%w: tensor-parallel axis shadows %q", ErrMeshShape, name)
		}
		if size <= 0 {
			return Mesh{}, fmt.Errorf("%w: axis %q size %d", ErrMeshShape, name, size)
		}
		tpNames = append(tpNames, name)
		tpProduct *= size
	}
	sort.Strings(tpNames)

	nonData := model * tpProduct
	data := req.DataAxisSize
	if data == 0 {
		if req.Devices%nonData != 0 {
			return Mesh{}, fmt.Errorf("%w: %d devices not divisible by model×tp = %d",
				ErrMeshShape, req.Devices, nonData)
		}
		data = req.Devices / nonData
	} else if data < 0 {
		return Mesh{}, fmt.Errorf("%w: data axis size %d", ErrMeshShape, req.DataAxisSize)
	}
	if data*nonData != req.Devices {
		return Mesh{}, fmt.Errorf("%w: axis product %d != device count %d",
			ErrMeshShape, data*nonData, req.Devices)
	}

	perDevice := req.PerDeviceParallelism
	batch := req.GlobalBatchSize
	switch {
	case batch == 0 && perDevice > 0:
		batch = perDevice * data
	case batch > 0:
		if batch%data != 0 {
			return Mesh{}, fmt.Errorf("%w: batch size %d not divisible by data axis %d",
				ErrMeshShape, batch, data)
		}
		derived := batch / data
		if perDevice > 0 && perDevice != derived {
			return Mesh{}, fmt.Errorf("%w: per_device_parallelism %d disagrees with batch %d / data %d",
				ErrMeshShape, perDevice, batch, data)
		}
		perDevice = derived
	default:
		return Mesh{}, fmt.Errorf("%w: neither batch size nor per-device parallelism given", ErrMeshShape)
	}

	axes := []Axis{{Name: AxisData, Size: data, MeshDim: 0}, {Name: AxisModel, Size: model, MeshDim: 1}}
	for i, name := range tpNames {
		axes = append(axes, Axis{Name: name, Size: req.TensorParallelAxes[name], MeshDim: 2 + i})
	}

	return Mesh{
		Axes:            axes,
		Devices:         req.Devices,
		GlobalBatchSize: batch,
		PerDevice:       perDevice,
	}, nil
}

// Axis returns the resolved axis by name.
func (m Mesh) Axis(name string) (Axis, bool) {
	for _, a := range m.Axes {
		if a.Name == name {
			return a, true
		}
	}
	return Axis{}, false
}

// DataAxisSize is a shortcut for the data axis extent.
func (m Mesh) DataAxisSize() int {
	a, _ := m.Axis(AxisData)
	return a.Size
}

// DeviceOf maps logical axis coordinates (in Axes order) to the physical
// device id, row-major over the mesh dimensions.
func (m Mesh) DeviceOf(coords []int) (int, error) {
	if len(coords) != len(m.Axes) {
		return 0, fmt.Errorf("%w: %d coordinates for %d axes", ErrMeshShape, len(coords), len(m.Axes))
	}
	id := 0
	for i, a := range m.Axes {
		if coords[i] < 0 || coords[i] >= a.Size {
			return 0, fmt.Errorf("%w: coordinate %d out of range for axis %q", ErrMeshShape, coords[i], a.Name)
		}
		id = id*a.Size + coords[i]
	}
	return id, nil
}

// Fingerprint describes the layout for checkpoint manifests; two runs with
// equal fingerprints shard tensors identically.
func (m Mesh) Fingerprint() string {
	s := fmt.Sprintf("devices=%d", m.Devices)
	for _, a := range m.Axes {
		s += fmt.Sprintf(";%s=%d", a.Name, a.Size)
	}
	return s
}
