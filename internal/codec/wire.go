package codec

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/structgate/internal/model"
	"google.golang.org/protobuf/types/known/structpb"
)

var errMalformed = errors.New("malformed step message")

// #region request
// StepRequest asks the service for one token of a session.
type StepRequest struct {
	Session   string
	Prompt    string
	Step      int
	MaxTokens int
}

func encodeRequest(r StepRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session":    r.Session,
		"prompt":     r.Prompt,
		"step":       float64(r.Step),
		"max_tokens": float64(r.MaxTokens),
	})
}

func decodeRequest(s *structpb.Struct) (StepRequest, error) {
	f := s.GetFields()
	session := f["session"].GetStringValue()
	if session == "" {
		return StepRequest{}, fmt.Errorf("%w: missing session", errMalformed)
	}
	return StepRequest{
		Session:   session,
		Prompt:    f["prompt"].GetStringValue(),
		Step:      int(f["step"].GetNumberValue()),
		MaxTokens: int(f["max_tokens"].GetNumberValue()),
	}, nil
}

// #endregion request

// #region response
// encodeTrace builds a step response. done marks the end of generation.
func encodeTrace(tr model.StepTrace, done bool) (*structpb.Struct, error) {
	if done {
		return structpb.NewStruct(map[string]any{"done": true})
	}
	layers := make(map[string]any, len(tr.Layers))
	for name, v := range tr.Layers {
		layers[name] = floatsToAny(v)
	}
	fields := map[string]any{
		"step":   float64(tr.Index),
		"token":  tr.Token,
		"layers": layers,
		"done":   false,
	}
	if len(tr.Probs) > 0 {
		fields["probs"] = floatsToAny(tr.Probs)
	}
	if len(tr.Logits) > 0 {
		fields["logits"] = floatsToAny(tr.Logits)
	}
	return structpb.NewStruct(fields)
}

// decodeTrace parses a step response. done reports end of generation.
func decodeTrace(s *structpb.Struct) (tr model.StepTrace, done bool, err error) {
	f := s.GetFields()
	if f["done"].GetBoolValue() {
		return model.StepTrace{}, true, nil
	}
	tok, ok := f["token"].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return model.StepTrace{}, false, fmt.Errorf("%w: token missing", errMalformed)
	}
	tr.Token = tok.StringValue
	tr.Index = int(f["step"].GetNumberValue())

	if tr.Probs, err = listToFloats(f["probs"]); err != nil {
		return model.StepTrace{}, false, fmt.Errorf("probs: %w", err)
	}
	if tr.Logits, err = listToFloats(f["logits"]); err != nil {
		return model.StepTrace{}, false, fmt.Errorf("logits: %w", err)
	}

	tr.Layers = make(map[string][]float64)
	for name, v := range f["layers"].GetStructValue().GetFields() {
		vec, err := listToFloats(v)
		if err != nil {
			return model.StepTrace{}, false, fmt.Errorf("layer %s: %w", name, err)
		}
		tr.Layers[name] = vec
	}
	return tr, false, nil
}

// #endregion response

// #region helpers
func floatsToAny(v []float64) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

func listToFloats(v *structpb.Value) ([]float64, error) {
	if v == nil {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: expected list", errMalformed)
	}
	out := make([]float64, len(list.GetValues()))
	for i, x := range list.GetValues() {
		n, ok := x.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is not a number", errMalformed, i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

// #endregion helpers
