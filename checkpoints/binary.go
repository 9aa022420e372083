package checkpoints

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Binary checkpoints use the protobuf wire format with the field numbers
// below. Scalars equal to zero are omitted; repeated numbers are packed.
//
//	Checkpoint  { 1 metadata, 2 model }
//	Metadata    { 1 version, 2 framework, 3 created_at (unix ns), 4 description, 5 tags }
//	Model       { 1 run_id, 2 kernel, 3 c, 4 bias, 5 features, 6 indices,
//	              7 coefficients, 8 labels, 9 support_vectors, 10 trajectory, 11 diagnostics }
//	Kernel      { 1 type, 2 gamma, 3 degree, 4 coef }
//	Record      { 1 index, 2 size, 3 error, 4 elapsed, 5 work, 6 cost, 7 objective,
//	              8 converged, 9 iterations, 10 violators, 11 stop_value, 12 bias, 13 coefficients }
//	Diagnostics { 1 mode, 2 host_fallbacks, 3 cache_capacity, 4 cache_disabled,
//	              5 candidate_batch, 6 candidate_halvings, 7 selection_fallbacks,
//	              8 non_converged, 9 kernel_evaluations, 10 schedule, 11 halted, 12 elapsed }

type encoder struct {
	b []byte
}

func (e *encoder) putVarint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) putInt(num protowire.Number, v int64) {
	e.putVarint(num, uint64(v))
}

func (e *encoder) putBool(num protowire.Number, v bool) {
	e.putVarint(num, protowire.EncodeBool(v))
}

func (e *encoder) putDouble(num protowire.Number, v float64) {
	bits := math.Float64bits(v)
	if bits == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, bits)
}

func (e *encoder) putString(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) putMessage(num protowire.Number, fn func(*encoder)) {
	var inner encoder
	fn(&inner)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, inner.b)
}

func (e *encoder) putDoubles(num protowire.Number, v []float64) {
	if len(v) == 0 {
		return
	}
	packed := make([]byte, 0, 8*len(v))
	for _, x := range v {
		packed = protowire.AppendFixed64(packed, math.Float64bits(x))
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, packed)
}

func (e *encoder) putInts(num protowire.Number, v []int) {
	if len(v) == 0 {
		return
	}
	var packed []byte
	for _, x := range v {
		packed = protowire.AppendVarint(packed, uint64(int64(x)))
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, packed)
}

func marshalCheckpoint(cp *Checkpoint) []byte {
	var e encoder
	e.putMessage(1, func(e *encoder) {
		md := cp.Metadata
		e.putInt(1, int64(md.Version))
		e.putString(2, md.Framework)
		if !md.CreatedAt.IsZero() {
			e.putInt(3, md.CreatedAt.UnixNano())
		}
		e.putString(4, md.Description)
		for _, tag := range md.Tags {
			e.b = protowire.AppendTag(e.b, 5, protowire.BytesType)
			e.b = protowire.AppendString(e.b, tag)
		}
	})
	e.putMessage(2, func(e *encoder) {
		st := cp.Model
		e.putString(1, st.RunID)
		e.putMessage(2, func(e *encoder) {
			e.putString(1, st.Kernel.Type)
			e.putDouble(2, st.Kernel.Gamma)
			e.putInt(3, int64(st.Kernel.Degree))
			e.putDouble(4, st.Kernel.Coef)
		})
		e.putDouble(3, st.C)
		e.putDouble(4, st.Bias)
		e.putInt(5, int64(st.Features))
		e.putInts(6, st.Indices)
		e.putDoubles(7, st.Coefficients)
		e.putDoubles(8, st.Labels)
		e.putDoubles(9, st.SupportVectors)
		for _, r := range st.Trajectory {
			e.putMessage(10, func(e *encoder) {
				e.putInt(1, int64(r.Index))
				e.putInt(2, int64(r.Size))
				e.putDouble(3, r.Error)
				e.putInt(4, r.ElapsedNanos)
				e.putDouble(5, r.Work)
				e.putDouble(6, r.Cost)
				e.putDouble(7, float64(r.Objective))
				e.putBool(8, r.Converged)
				e.putInt(9, int64(r.Iterations))
				e.putInt(10, int64(r.Violators))
				e.putDouble(11, float64(r.StopValue))
				e.putDouble(12, r.Bias)
				e.putDoubles(13, r.Coefficients)
			})
		}
		e.putMessage(11, func(e *encoder) {
			d := st.Diagnostics
			e.putString(1, d.Mode)
			e.putInt(2, int64(d.HostFallbacks))
			e.putInt(3, int64(d.CacheCapacity))
			e.putBool(4, d.CacheDisabled)
			e.putInt(5, int64(d.CandidateBatch))
			e.putInt(6, int64(d.CandidateHalvings))
			e.putInt(7, int64(d.SelectionFallbacks))
			e.putInt(8, int64(d.NonConverged))
			e.putInt(9, d.KernelEvaluations)
			e.putInts(10, d.Schedule)
			e.putBool(11, d.Halted)
			e.putInt(12, d.ElapsedNanos)
		})
	})
	return e.b
}

// field is one decoded wire field. u holds varint and fixed64 payloads,
// data holds length-delimited ones.
type field struct {
	num  protowire.Number
	u    uint64
	data []byte
}

func (f field) asInt() int        { return int(int64(f.u)) }
func (f field) asInt64() int64    { return int64(f.u) }
func (f field) asBool() bool      { return protowire.DecodeBool(f.u) }
func (f field) asDouble() float64 { return math.Float64frombits(f.u) }
func (f field) asString() string  { return string(f.data) }

// schema maps the field numbers of a message to their wire types.
type schema map[protowire.Number]protowire.Type

const (
	wireVarint  = protowire.VarintType
	wireFixed64 = protowire.Fixed64Type
	wireBytes   = protowire.BytesType
)

var (
	checkpointSchema = schema{1: wireBytes, 2: wireBytes}
	metadataSchema   = schema{1: wireVarint, 2: wireBytes, 3: wireVarint, 4: wireBytes, 5: wireBytes}
	modelSchema      = schema{1: wireBytes, 2: wireBytes, 3: wireFixed64, 4: wireFixed64, 5: wireVarint, 6: wireBytes, 7: wireBytes, 8: wireBytes, 9: wireBytes, 10: wireBytes, 11: wireBytes}
	kernelSchema     = schema{1: wireBytes, 2: wireFixed64, 3: wireVarint, 4: wireFixed64}
	recordSchema     = schema{
		1: wireVarint, 2: wireVarint, 3: wireFixed64, 4: wireVarint, 5: wireFixed64, 6: wireFixed64, 7: wireFixed64,
		8: wireVarint, 9: wireVarint, 10: wireVarint, 11: wireFixed64, 12: wireFixed64, 13: wireBytes,
	}
	diagnosticsSchema = schema{
		1: wireBytes, 2: wireVarint, 3: wireVarint, 4: wireVarint, 5: wireVarint, 6: wireVarint,
		7: wireVarint, 8: wireVarint, 9: wireVarint, 10: wireBytes, 11: wireVarint, 12: wireVarint,
	}
)

// walk calls fn for every field of b listed in s. Unknown fields are
// skipped; a known field with the wrong wire type is an error.
func walk(b []byte, s schema, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num}
		switch typ {
		case wireVarint:
			f.u, n = protowire.ConsumeVarint(b)
		case wireFixed64:
			f.u, n = protowire.ConsumeFixed64(b)
		case wireBytes:
			f.data, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		want, known := s[num]
		if !known {
			continue
		}
		if typ != want {
			return fmt.Errorf("field %d: wire type %d, want %d", num, typ, want)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func unpackDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("packed doubles: %d wireBytes", len(b))
	}
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(v))
		b = b[n:]
	}
	return out, nil
}

func unpackInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(int64(v)))
		b = b[n:]
	}
	return out, nil
}

func unmarshalCheckpoint(b []byte, cp *Checkpoint) error {
	return walk(b, checkpointSchema, func(f field) error {
		if f.num == 1 {
			return unmarshalMetadata(f.data, &cp.Metadata)
		}
		return unmarshalModel(f.data, &cp.Model)
	})
}

func unmarshalMetadata(b []byte, md *CheckpointMetadata) error {
	return walk(b, metadataSchema, func(f field) error {
		switch f.num {
		case 1:
			md.Version = f.asInt()
		case 2:
			md.Framework = f.asString()
		case 3:
			md.CreatedAt = time.Unix(0, f.asInt64()).UTC()
		case 4:
			md.Description = f.asString()
		case 5:
			md.Tags = append(md.Tags, f.asString())
		}
		return nil
	})
}

func unmarshalKernel(b []byte, k *KernelState) error {
	return walk(b, kernelSchema, func(f field) error {
		switch f.num {
		case 1:
			k.Type = f.asString()
		case 2:
			k.Gamma = f.asDouble()
		case 3:
			k.Degree = f.asInt()
		case 4:
			k.Coef = f.asDouble()
		}
		return nil
	})
}

func unmarshalModel(b []byte, st *ModelState) error {
	return walk(b, modelSchema, func(f field) error {
		var err error
		switch f.num {
		case 1:
			st.RunID = f.asString()
		case 2:
			err = unmarshalKernel(f.data, &st.Kernel)
		case 3:
			st.C = f.asDouble()
		case 4:
			st.Bias = f.asDouble()
		case 5:
			st.Features = f.asInt()
		case 6:
			st.Indices, err = unpackInts(f.data)
		case 7:
			st.Coefficients, err = unpackDoubles(f.data)
		case 8:
			st.Labels, err = unpackDoubles(f.data)
		case 9:
			st.SupportVectors, err = unpackDoubles(f.data)
		case 10:
			var r TrajectoryRecord
			if err = unmarshalRecord(f.data, &r); err == nil {
				st.Trajectory = append(st.Trajectory, r)
			}
		case 11:
			err = unmarshalDiagnostics(f.data, &st.Diagnostics)
		}
		return err
	})
}

func unmarshalRecord(b []byte, r *TrajectoryRecord) error {
	return walk(b, recordSchema, func(f field) error {
		var err error
		switch f.num {
		case 1:
			r.Index = f.asInt()
		case 2:
			r.Size = f.asInt()
		case 3:
			r.Error = f.asDouble()
		case 4:
			r.ElapsedNanos = f.asInt64()
		case 5:
			r.Work = f.asDouble()
		case 6:
			r.Cost = f.asDouble()
		case 7:
			r.Objective = Float(f.asDouble())
		case 8:
			r.Converged = f.asBool()
		case 9:
			r.Iterations = f.asInt()
		case 10:
			r.Violators = f.asInt()
		case 11:
			r.StopValue = Float(f.asDouble())
		case 12:
			r.Bias = f.asDouble()
		case 13:
			r.Coefficients, err = unpackDoubles(f.data)
		}
		return err
	})
}

func unmarshalDiagnostics(b []byte, d *DiagnosticsState) error {
	return walk(b, diagnosticsSchema, func(f field) error {
		var err error
		switch f.num {
		case 1:
			d.Mode = f.asString()
		case 2:
			d.HostFallbacks = f.asInt()
		case 3:
			d.CacheCapacity = f.asInt()
		case 4:
			d.CacheDisabled = f.asBool()
		case 5:
			d.CandidateBatch = f.asInt()
		case 6:
			d.CandidateHalvings = f.asInt()
		case 7:
			d.SelectionFallbacks = f.asInt()
		case 8:
			d.NonConverged = f.asInt()
		case 9:
			d.KernelEvaluations = f.asInt64()
		case 10:
			d.Schedule, err = unpackInts(f.data)
		case 11:
			d.Halted = f.asBool()
		case 12:
			d.ElapsedNanos = f.asInt64()
		}
		return err
	})
}
