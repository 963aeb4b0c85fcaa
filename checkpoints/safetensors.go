package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/x448/float16"
)

const (
	dtypeF32 = "F32"
	dtypeF16 = "F16"

	// metadataKey holds the JSON manifest of everything that is not tensor data
	metadataKey  = "__metadata__"
	manifestKey  = "checkpoint"
	optimizerKey = "optimizer."
)

type safetensorsEntry struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

type namedData struct {
	name  string
	shape []int
	dtype string
	data  []float32
}

func bytesPerElement(dtype string) int {
	switch dtype {
	case dtypeF32:
		return 4
	case dtypeF16:
		return 2
	default:
		return 0
	}
}

// encodeSafetensors stores weights in weightDType and optimizer moments in
// F32; the tiny second moments underflow in half precision.
func encodeSafetensors(cp *Checkpoint, weightDType string) ([]byte, error) {
	var tensors []namedData
	for _, w := range cp.Weights {
		tensors = append(tensors, namedData{w.Name, w.Shape, weightDType, w.Data})
	}
	if cp.OptimizerState != nil {
		for _, ot := range cp.OptimizerState.StateData {
			tensors = append(tensors, namedData{optimizerKey + ot.Name, ot.Shape, dtypeF32, ot.Data})
		}
	}
	sort.Slice(tensors, func(i, j int) bool { return tensors[i].name < tensors[j].name })

	manifest := *cp
	manifest.Weights = make([]WeightTensor, len(cp.Weights))
	for i, w := range cp.Weights {
		w.Data = nil
		manifest.Weights[i] = w
	}
	if cp.OptimizerState != nil {
		opt := *cp.OptimizerState
		opt.StateData = make([]OptimizerTensor, len(cp.OptimizerState.StateData))
		for i, ot := range cp.OptimizerState.StateData {
			ot.Data = nil
			opt.StateData[i] = ot
		}
		manifest.OptimizerState = &opt
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint manifest: %w", err)
	}

	header := map[string]interface{}{
		metadataKey: map[string]string{manifestKey: string(manifestJSON)},
	}
	offset := 0
	seen := make(map[string]bool, len(tensors))
	for _, t := range tensors {
		if seen[t.name] {
			return nil, fmt.Errorf("duplicate tensor name %q", t.name)
		}
		seen[t.name] = true

		numel := 1
		for _, d := range t.shape {
			numel *= d
		}
		if numel != len(t.data) {
			return nil, fmt.Errorf("tensor %s: shape %v does not match %d values", t.name, t.shape, len(t.data))
		}
		size := numel * bytesPerElement(t.dtype)
		header[t.name] = safetensorsEntry{DType: t.dtype, Shape: t.shape, Offsets: [2]int{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	out := make([]byte, 8+int(headerSize)+offset)
	binary.LittleEndian.PutUint64(out[0:8], headerSize)
	copy(out[8:], headerJSON)

	pos := 8 + int(headerSize)
	for _, t := range tensors {
		switch t.dtype {
		case dtypeF32:
			for _, v := range t.data {
				binary.LittleEndian.PutUint32(out[pos:], math.Float32bits(v))
				pos += 4
			}
		case dtypeF16:
			for _, v := range t.data {
				binary.LittleEndian.PutUint16(out[pos:], float16.Fromfloat32(v).Bits())
				pos += 2
			}
		}
	}
	return out, nil
}

func decodeSafetensors(data []byte) (*Checkpoint, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}
	body := data[8+headerSize:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	var meta map[string]string
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
	}
	manifest, ok := meta[manifestKey]
	if !ok {
		return nil, fmt.Errorf("safetensors file has no checkpoint manifest")
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(manifest), &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint manifest: %w", err)
	}

	read := func(name string) ([]float32, []int, error) {
		entryJSON, ok := raw[name]
		if !ok {
			return nil, nil, fmt.Errorf("tensor %s missing from file", name)
		}
		var e safetensorsEntry
		if err := json.Unmarshal(entryJSON, &e); err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		width := bytesPerElement(e.DType)
		if width == 0 {
			return nil, nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, e.DType)
		}
		start, end := e.Offsets[0], e.Offsets[1]
		if start < 0 || end < start || end > len(body) || (end-start)%width != 0 {
			return nil, nil, fmt.Errorf("tensor %s: invalid data offsets %v", name, e.Offsets)
		}
		values := make([]float32, (end-start)/width)
		for i := range values {
			off := start + i*width
			if e.DType == dtypeF32 {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[off:]))
			} else {
				values[i] = float16.Frombits(binary.LittleEndian.Uint16(body[off:])).Float32()
			}
		}
		return values, e.Shape, nil
	}

	for i := range cp.Weights {
		values, shape, err := read(cp.Weights[i].Name)
		if err != nil {
			return nil, err
		}
		cp.Weights[i].Data = values
		cp.Weights[i].Shape = shape
	}
	if cp.OptimizerState != nil {
		for i := range cp.OptimizerState.StateData {
			ot := &cp.OptimizerState.StateData[i]
			values, shape, err := read(optimizerKey + ot.Name)
			if err != nil {
				return nil, err
			}
			ot.Data = values
			ot.Shape = shape
		}
	}
	return &cp, nil
}
