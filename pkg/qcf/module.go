package qcf

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/samcharles93/qconv/pkg/qconv"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

// ModuleInfoVersion is the on-disk version of the module info payload.
const ModuleInfoVersion uint32 = 1

// TensorRef locates one tensor payload inside the tensor data section.
// DataOff is an absolute file offset, which makes slicing the payload out
// of the mapping trivial.
type TensorRef struct {
	Name      string  `json:"name"`
	DType     string  `json:"dtype"`
	Shape     []int   `json:"shape"`
	Scale     float64 `json:"scale"`
	ZeroPoint int32   `json:"zero_point"`
	DataOff   uint64  `json:"data_off"`
	DataSize  uint64  `json:"data_size"`
}

// ModuleInfo is the JSON payload of SectionModuleInfo. Field order follows
// the module's persisted layout: structural config, then weight, bias,
// scale, zero point.
type ModuleInfo struct {
	InChannels    int    `json:"in_channels"`
	OutChannels   int    `json:"out_channels"`
	KernelSize    [2]int `json:"kernel_size"`
	Stride        [2]int `json:"stride"`
	Padding       [2]int `json:"padding"`
	Dilation      [2]int `json:"dilation"`
	Transposed    bool   `json:"transposed"`
	OutputPadding [2]int `json:"output_padding"`
	Groups        int    `json:"groups"`
	PaddingMode   string `json:"padding_mode"`

	Weight    TensorRef  `json:"weight"`
	Bias      *TensorRef `json:"bias,omitempty"`
	Scale     float64    `json:"scale"`
	ZeroPoint int32      `json:"zero_point"`
}

// WriteModule serializes module state into f as a QCF container: tensor
// payloads first, then the JSON module descriptor pointing at them.
func WriteModule(f *os.File, st qconv.State) error {
	if err := st.Validate(); err != nil {
		return err
	}

	w, err := NewWriter(f)
	if err != nil {
		return err
	}

	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		return err
	}
	weightRef, err := writeTensor(sw, "weight", st.Weight)
	if err != nil {
		return err
	}
	var biasRef *TensorRef
	if st.Bias != nil {
		ref, err := writeTensor(sw, "bias", *st.Bias)
		if err != nil {
			return err
		}
		biasRef = &ref
	}
	if err := sw.End(); err != nil {
		return err
	}

	info := ModuleInfo{
		InChannels:  st.InChannels,
		OutChannels: st.OutChannels,
		KernelSize:  st.KernelSize,
		Stride:      st.Stride,
		Padding:     st.Padding,
		Dilation:    st.Dilation,
		Groups:      st.Groups,
		PaddingMode: st.PaddingMode,
		Weight:      weightRef,
		Bias:        biasRef,
		Scale:       st.Scale,
		ZeroPoint:   st.ZeroPoint,
	}
	payload, err := json.Marshal(&info)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionModuleInfo, ModuleInfoVersion, payload); err != nil {
		return err
	}
	return w.Finalise()
}

// SaveModule writes module state to a new file at path.
func SaveModule(path string, st qconv.State) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteModule(f, st); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadModule opens a QCF container and reconstructs the module state it
// holds. Tensor data is copied out of the mapping, so the state remains
// valid after the file is closed.
func ReadModule(path string) (qconv.State, error) {
	f, err := Open(path)
	if err != nil {
		return qconv.State{}, err
	}
	defer func() { _ = f.Close() }()
	return readModule(f)
}

// ReadModuleFrom reconstructs module state from a random-access reader,
// typically an uploaded container held in memory.
func ReadModuleFrom(r io.ReaderAt, size int64) (qconv.State, error) {
	f, err := OpenReaderAt(r, size)
	if err != nil {
		return qconv.State{}, err
	}
	defer func() { _ = f.Close() }()
	return readModule(f)
}

// Inspect opens a QCF container and returns its module descriptor without
// decoding tensor payloads.
func Inspect(path string) (*ModuleInfo, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return parseModuleInfo(f)
}

func readModule(f *File) (qconv.State, error) {
	info, err := parseModuleInfo(f)
	if err != nil {
		return qconv.State{}, err
	}

	weight, err := readTensor(f, info.Weight)
	if err != nil {
		return qconv.State{}, fmt.Errorf("%w: weight: %v", ErrCorruptFile, err)
	}
	st := qconv.State{
		InChannels:    info.InChannels,
		OutChannels:   info.OutChannels,
		KernelSize:    info.KernelSize,
		Stride:        info.Stride,
		Padding:       info.Padding,
		Dilation:      info.Dilation,
		Transposed:    info.Transposed,
		OutputPadding: info.OutputPadding,
		Groups:        info.Groups,
		PaddingMode:   info.PaddingMode,
		Weight:        weight,
		Scale:         info.Scale,
		ZeroPoint:     info.ZeroPoint,
	}
	if info.Bias != nil {
		bias, err := readTensor(f, *info.Bias)
		if err != nil {
			return qconv.State{}, fmt.Errorf("%w: bias: %v", ErrCorruptFile, err)
		}
		st.Bias = &bias
	}
	if err := st.Validate(); err != nil {
		return qconv.State{}, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return st, nil
}

func parseModuleInfo(f *File) (*ModuleInfo, error) {
	sec := f.Section(SectionModuleInfo)
	if sec == nil {
		return nil, fmt.Errorf("%w: module info", ErrMissingSection)
	}
	if sec.Version != ModuleInfoVersion {
		return nil, fmt.Errorf("%w: module info version %d", ErrCorruptFile, sec.Version)
	}
	var info ModuleInfo
	if err := json.Unmarshal(f.SectionData(sec), &info); err != nil {
		return nil, fmt.Errorf("%w: module info: %v", ErrCorruptFile, err)
	}
	return &info, nil
}

func writeTensor(sw *SectionWriter, name string, t qtensor.Tensor) (TensorRef, error) {
	if err := sw.Align(qcfAlign); err != nil {
		return TensorRef{}, err
	}
	off, err := sw.CurrentAbsOffset()
	if err != nil {
		return TensorRef{}, err
	}
	payload := encodeTensorPayload(t)
	if _, err := sw.Write(payload); err != nil {
		return TensorRef{}, err
	}
	return TensorRef{
		Name:      name,
		DType:     t.DType.String(),
		Shape:     t.Shape,
		Scale:     t.Params.Scale,
		ZeroPoint: t.Params.ZeroPoint,
		DataOff:   off,
		DataSize:  uint64(len(payload)),
	}, nil
}

// encodeTensorPayload serializes values little-endian at the dtype width.
func encodeTensorPayload(t qtensor.Tensor) []byte {
	elem := t.DType.ElemSize()
	out := make([]byte, len(t.Data)*elem)
	switch elem {
	case 1:
		for i, v := range t.Data {
			out[i] = byte(v)
		}
	case 4:
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
	}
	return out
}

func readTensor(f *File, ref TensorRef) (qtensor.Tensor, error) {
	dt, ok := qtensor.ParseDType(ref.DType)
	if !ok {
		return qtensor.Tensor{}, fmt.Errorf("unknown dtype %q", ref.DType)
	}
	params, err := qtensor.NewQuantParams(ref.Scale, ref.ZeroPoint, dt)
	if err != nil {
		return qtensor.Tensor{}, err
	}

	n := qtensor.Elems(ref.Shape)
	elem := dt.ElemSize()
	if n < 0 || uint64(n*elem) != ref.DataSize {
		return qtensor.Tensor{}, fmt.Errorf("shape %v does not match payload size %d", ref.Shape, ref.DataSize)
	}
	raw, err := f.Range(ref.DataOff, ref.DataSize)
	if err != nil {
		return qtensor.Tensor{}, err
	}

	data := make([]int32, n)
	switch elem {
	case 1:
		if dt.Signed() {
			for i := range data {
				data[i] = int32(int8(raw[i]))
			}
		} else {
			for i := range data {
				data[i] = int32(raw[i])
			}
		}
	case 4:
		for i := range data {
			data[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return qtensor.New(ref.Shape, dt, params, data)
}
