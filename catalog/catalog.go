// Package catalog describes the namespaced configuration records a session is
// rendered from: Templates and the ResourceLimit, Secret and Authorization
// records they reference.
//
// The gateway only reads the catalog. Backends (see the memory, redis and file
// subpackages) implement Source; Reader layers typed accessors on top.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
)

// ErrNotFound is returned when no record of the requested kind exists under
// the given namespace and name.
var ErrNotFound = errors.New("catalog: record not found")

// ErrInvalidRecord is returned when a record fails validation or cannot be
// decoded.
var ErrInvalidRecord = errors.New("catalog: invalid record")

// Kind names a record type.
type Kind string

const (
	KindTemplate      Kind = "Template"
	KindResourceLimit Kind = "ResourceLimit"
	KindSecret        Kind = "Secret"
	KindAuthorization Kind = "Authorization"
)

// Kinds lists every record kind in a stable order.
var Kinds = []Kind{KindTemplate, KindResourceLimit, KindSecret, KindAuthorization}

// Ref addresses a single record.
type Ref struct {
	Kind      Kind
	Namespace string
	Name      string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s %s/%s", r.Kind, r.Namespace, r.Name)
}

// Meta is embedded in every record.
type Meta struct {
	Namespace string `json:"namespace" jsonschema:"required,minLength=1"`
	Name      string `json:"name" jsonschema:"required,minLength=1"`
}

// Record is implemented by Template, ResourceLimit, Secret and Authorization.
type Record interface {
	Ref() Ref
	Validate() error
}

// EnvVar is a literal environment variable.
type EnvVar struct {
	Name  string `json:"name" jsonschema:"required,minLength=1"`
	Value string `json:"value"`
}

// SecretMount mounts a catalog Secret as a read-only volume.
type SecretMount struct {
	Secret    string `json:"secret" jsonschema:"required,minLength=1"`
	MountPath string `json:"mountPath" jsonschema:"required,minLength=1"`
}

// Template describes how to run one MCP server as a session Pod.
type Template struct {
	Meta
	Image        string        `json:"image" jsonschema:"required,minLength=1"`
	Command      []string      `json:"command,omitempty"`
	Args         []string      `json:"args,omitempty"`
	Env          []EnvVar      `json:"env,omitempty"`
	SecretEnv    []string      `json:"secretEnv,omitempty" jsonschema:"description=Secrets exposed to the container as environment variables"`
	SecretMounts []SecretMount `json:"secretMounts,omitempty"`
	// ResourceLimit names a ResourceLimit in the same namespace. Empty means
	// no requests, limits or placement constraints.
	ResourceLimit string `json:"resourceLimit,omitempty"`
	// Authorization names an Authorization in the same namespace. Empty means
	// anonymous access.
	Authorization string `json:"authorization,omitempty"`
}

func (t *Template) Ref() Ref { return Ref{Kind: KindTemplate, Namespace: t.Namespace, Name: t.Name} }

func (t *Template) Validate() error {
	if err := t.Meta.validate(KindTemplate); err != nil {
		return err
	}
	if t.Image == "" {
		return fmt.Errorf("%w: %s has no image", ErrInvalidRecord, t.Ref())
	}
	for _, e := range t.Env {
		if e.Name == "" {
			return fmt.Errorf("%w: %s has an env var without a name", ErrInvalidRecord, t.Ref())
		}
	}
	for _, m := range t.SecretMounts {
		if m.Secret == "" || m.MountPath == "" {
			return fmt.Errorf("%w: %s has an incomplete secret mount", ErrInvalidRecord, t.Ref())
		}
	}
	return nil
}

// SecretNames returns every Secret the template references, env refs first,
// without duplicates.
func (t *Template) SecretNames() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(n string) {
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, n := range t.SecretEnv {
		add(n)
	}
	for _, m := range t.SecretMounts {
		add(m.Secret)
	}
	return out
}

// ResourceLimit bounds the compute a session Pod may use and where it may be
// scheduled. Quantities use Kubernetes notation ("250m", "512Mi").
type ResourceLimit struct {
	Meta
	CPURequest    string            `json:"cpuRequest,omitempty"`
	CPULimit      string            `json:"cpuLimit,omitempty"`
	MemoryRequest string            `json:"memoryRequest,omitempty"`
	MemoryLimit   string            `json:"memoryLimit,omitempty"`
	NodeSelector  map[string]string `json:"nodeSelector,omitempty"`
	Affinity      *corev1.Affinity  `json:"affinity,omitempty"`
}

func (r *ResourceLimit) Ref() Ref {
	return Ref{Kind: KindResourceLimit, Namespace: r.Namespace, Name: r.Name}
}

func (r *ResourceLimit) Validate() error { return r.Meta.validate(KindResourceLimit) }

// Secret points at a cluster Secret in the record's namespace.
type Secret struct {
	Meta
	// SecretName is the cluster Secret to use. Defaults to Name.
	SecretName string `json:"secretName,omitempty"`
	// Keys restricts a mount to the listed keys. Empty mounts every key.
	Keys []string `json:"keys,omitempty"`
}

func (s *Secret) Ref() Ref { return Ref{Kind: KindSecret, Namespace: s.Namespace, Name: s.Name} }

func (s *Secret) Validate() error { return s.Meta.validate(KindSecret) }

// ClusterSecretName returns the name of the backing cluster Secret.
func (s *Secret) ClusterSecretName() string {
	if s.SecretName != "" {
		return s.SecretName
	}
	return s.Name
}

// AuthorizationMode selects how callers of a Template are authorized.
type AuthorizationMode string

const (
	AuthorizationAnonymous      AuthorizationMode = "anonymous"
	AuthorizationServiceAccount AuthorizationMode = "serviceAccount"
)

// Authorization controls who may open sessions against the Templates that
// reference it.
type Authorization struct {
	Meta
	Mode AuthorizationMode `json:"mode" jsonschema:"required,enum=anonymous,enum=serviceAccount"`
}

func (a *Authorization) Ref() Ref {
	return Ref{Kind: KindAuthorization, Namespace: a.Namespace, Name: a.Name}
}

func (a *Authorization) Validate() error {
	if err := a.Meta.validate(KindAuthorization); err != nil {
		return err
	}
	switch a.Mode {
	case AuthorizationAnonymous, AuthorizationServiceAccount:
		return nil
	default:
		return fmt.Errorf("%w: %s has unknown mode %q", ErrInvalidRecord, a.Ref(), a.Mode)
	}
}

func (m Meta) validate(k Kind) error {
	if m.Namespace == "" || m.Name == "" {
		return fmt.Errorf("%w: %s requires namespace and name", ErrInvalidRecord, k)
	}
	return nil
}

// Source is implemented by catalog backends.
type Source interface {
	// Get returns the record addressed by ref or an error matching
	// ErrNotFound.
	Get(ctx context.Context, ref Ref) (Record, error)
}

// Store is a Source that can also be written to.
type Store interface {
	Source
	Put(ctx context.Context, r Record) error
	Delete(ctx context.Context, ref Ref) error
}

// Encode serializes a record as a JSON object with a "kind" discriminator.
func Encode(r Record) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(r.Ref().Kind)
	fields["kind"] = kind
	return json.Marshal(fields)
}

// Decode parses a record produced by Encode and validates it.
func Decode(data []byte) (Record, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	r, err := newRecord(head.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func newRecord(k Kind) (Record, error) {
	switch k {
	case KindTemplate:
		return &Template{}, nil
	case KindResourceLimit:
		return &ResourceLimit{}, nil
	case KindSecret:
		return &Secret{}, nil
	case KindAuthorization:
		return &Authorization{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, k)
	}
}
