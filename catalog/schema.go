package catalog

import (
	"reflect"

	"github.com/invopop/jsonschema"
	corev1 "k8s.io/api/core/v1"
)

// Schema returns the JSON schema of a record kind as accepted by Decode and
// the file backend. The "kind" discriminator is included as a constant.
func Schema(k Kind) (*jsonschema.Schema, error) {
	rec, err := newRecord(k)
	if err != nil {
		return nil, err
	}
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			// Affinity is passed through to the Pod verbatim.
			if t == reflect.TypeOf(corev1.Affinity{}) {
				return &jsonschema.Schema{Type: "object"}
			}
			return nil
		},
	}
	s := r.Reflect(rec)
	s.Title = string(k)
	if s.Properties != nil {
		s.Properties.Set("kind", &jsonschema.Schema{Type: "string", Const: string(k)})
		s.Required = append([]string{"kind"}, s.Required...)
	}
	return s, nil
}

// Schemas returns the schema of every record kind.
func Schemas() map[Kind]*jsonschema.Schema {
	out := make(map[Kind]*jsonschema.Schema, len(Kinds))
	for _, k := range Kinds {
		s, err := Schema(k)
		if err != nil {
			continue
		}
		out[k] = s
	}
	return out
}
