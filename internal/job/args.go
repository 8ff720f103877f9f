package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidArgs is returned when processing arguments have the wrong shape.
var ErrInvalidArgs = errors.New("invalid processing args")

// Effect kinds with typed parameters.
const (
	EffectSpeed   = "speed"
	EffectPitch   = "pitch"
	EffectGain    = "gain"
	EffectReverse = "reverse"
)

// Effect is a named audio transformation applied while processing a job.
type Effect interface {
	// Kind returns the effect name as sent on the wire.
	Kind() string
	// Descriptor returns the wire form of the effect.
	Descriptor() map[string]any
}

// SpeedEffect changes playback speed by Factor (1.0 is unchanged).
type SpeedEffect struct {
	Factor float64
}

// Kind implements Effect.
func (SpeedEffect) Kind() string { return EffectSpeed }

// Descriptor implements Effect.
func (e SpeedEffect) Descriptor() map[string]any {
	return map[string]any{"type": EffectSpeed, "factor": e.Factor}
}

// PitchEffect shifts pitch by Semitones.
type PitchEffect struct {
	Semitones float64
}

// Kind implements Effect.
func (PitchEffect) Kind() string { return EffectPitch }

// Descriptor implements Effect.
func (e PitchEffect) Descriptor() map[string]any {
	return map[string]any{"type": EffectPitch, "semitones": e.Semitones}
}

// GainEffect adjusts volume by DB decibels.
type GainEffect struct {
	DB float64
}

// Kind implements Effect.
func (GainEffect) Kind() string { return EffectGain }

// Descriptor implements Effect.
func (e GainEffect) Descriptor() map[string]any {
	return map[string]any{"type": EffectGain, "db": e.DB}
}

// ReverseEffect plays the song backwards.
type ReverseEffect struct{}

// Kind implements Effect.
func (ReverseEffect) Kind() string { return EffectReverse }

// Descriptor implements Effect.
func (ReverseEffect) Descriptor() map[string]any {
	return map[string]any{"type": EffectReverse}
}

// RawEffect keeps an effect descriptor of an unknown kind untouched.
type RawEffect struct {
	Fields map[string]any
}

// Kind returns the descriptor's "type" value, or "" when it has none.
func (e RawEffect) Kind() string {
	kind, _ := e.Fields["type"].(string)
	return kind
}

// Descriptor implements Effect.
func (e RawEffect) Descriptor() map[string]any {
	return e.Fields
}

// ProcessingArgs are common parameters required for all processing jobs.
// Only the shape is checked: MinBPM <= MaxBPM is not enforced.
type ProcessingArgs struct {
	MinBPM  *int
	MaxBPM  *int
	Effects []Effect
}

type wireArgs struct {
	MinBPM  *int              `json:"min_bpm,omitempty"`
	MaxBPM  *int              `json:"max_bpm,omitempty"`
	Effects []json.RawMessage `json:"effects"`
}

// ParseProcessingArgs decodes ProcessingArgs from their JSON wire form.
func ParseProcessingArgs(data []byte) (ProcessingArgs, error) {
	var args ProcessingArgs
	err := json.Unmarshal(data, &args)
	return args, err
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *ProcessingArgs) UnmarshalJSON(data []byte) error {
	var w wireArgs
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if w.Effects == nil {
		return fmt.Errorf("%w: effects is required", ErrInvalidArgs)
	}

	effects := make([]Effect, 0, len(w.Effects))
	for i, raw := range w.Effects {
		effect, err := decodeEffect(raw)
		if err != nil {
			return fmt.Errorf("%w: effects[%d]: %v", ErrInvalidArgs, i, err)
		}
		effects = append(effects, effect)
	}

	*a = ProcessingArgs{MinBPM: w.MinBPM, MaxBPM: w.MaxBPM, Effects: effects}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a ProcessingArgs) MarshalJSON() ([]byte, error) {
	effects := make([]map[string]any, 0, len(a.Effects))
	for _, e := range a.Effects {
		effects = append(effects, e.Descriptor())
	}
	return json.Marshal(struct {
		MinBPM  *int             `json:"min_bpm,omitempty"`
		MaxBPM  *int             `json:"max_bpm,omitempty"`
		Effects []map[string]any `json:"effects"`
	}{a.MinBPM, a.MaxBPM, effects})
}

// Clone returns a deep copy of the arguments.
func (a ProcessingArgs) Clone() ProcessingArgs {
	out := ProcessingArgs{
		MinBPM: clonePtr(a.MinBPM),
		MaxBPM: clonePtr(a.MaxBPM),
	}
	if a.Effects != nil {
		out.Effects = make([]Effect, len(a.Effects))
		for i, e := range a.Effects {
			if raw, ok := e.(RawEffect); ok {
				e = RawEffect{Fields: cloneValue(raw.Fields).(map[string]any)}
			}
			out.Effects[i] = e
		}
	}
	return out
}

func decodeEffect(raw json.RawMessage) (Effect, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, errors.New("effect must be an object")
	}

	kind, ok := fields["type"].(string)
	if !ok {
		return RawEffect{Fields: fields}, nil
	}

	switch kind {
	case EffectSpeed:
		factor, err := numberField(fields, "factor")
		if err != nil {
			return nil, err
		}
		return SpeedEffect{Factor: factor}, nil
	case EffectPitch:
		semitones, err := numberField(fields, "semitones")
		if err != nil {
			return nil, err
		}
		return PitchEffect{Semitones: semitones}, nil
	case EffectGain:
		db, err := numberField(fields, "db")
		if err != nil {
			return nil, err
		}
		return GainEffect{DB: db}, nil
	case EffectReverse:
		return ReverseEffect{}, nil
	default:
		return RawEffect{Fields: fields}, nil
	}
}

func numberField(fields map[string]any, name string) (float64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%s is required", name)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return n.Float64()
}

func clonePtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}
