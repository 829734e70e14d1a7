// Package podspec renders a catalog Template and its joined records into the
// Pod that backs one session.
package podspec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-pod-gateway/catalog"
	"github.com/ggoodman/mcp-pod-gateway/internal/kube"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

// ErrInvalid is returned when the joined records cannot form a valid Pod.
var ErrInvalid = errors.New("podspec: invalid template")

// Input is everything Render needs. Secrets is keyed by catalog Secret name
// and must contain every secret the Template references.
type Input struct {
	SessionID string
	Template  *catalog.Template
	Limit     *catalog.ResourceLimit
	Secrets   map[string]*catalog.Secret
}

// Render builds the session Pod. The Pod is named after the session, runs a
// single container with stdin held open and never restarts.
func Render(in Input) (*corev1.Pod, error) {
	tpl := in.Template
	if tpl == nil {
		return nil, fmt.Errorf("%w: no template", ErrInvalid)
	}
	if in.SessionID == "" {
		return nil, fmt.Errorf("%w: no session id", ErrInvalid)
	}

	container := corev1.Container{
		Name:                     kube.ContainerName,
		Image:                    tpl.Image,
		Command:                  append([]string(nil), tpl.Command...),
		Args:                     append([]string(nil), tpl.Args...),
		Stdin:                    true,
		StdinOnce:                false,
		TTY:                      false,
		TerminationMessagePolicy: corev1.TerminationMessageFallbackToLogsOnError,
	}
	for _, e := range tpl.Env {
		container.Env = append(container.Env, corev1.EnvVar{Name: e.Name, Value: e.Value})
	}

	for _, name := range tpl.SecretEnv {
		sec, ok := in.Secrets[name]
		if !ok {
			return nil, fmt.Errorf("%w: secret %q not resolved", ErrInvalid, name)
		}
		container.EnvFrom = append(container.EnvFrom, corev1.EnvFromSource{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: sec.ClusterSecretName()},
			},
		})
	}

	var volumes []corev1.Volume
	for i, m := range tpl.SecretMounts {
		sec, ok := in.Secrets[m.Secret]
		if !ok {
			return nil, fmt.Errorf("%w: secret %q not resolved", ErrInvalid, m.Secret)
		}
		vol := corev1.Volume{
			Name: volumeName(i, m.Secret),
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{
					SecretName:  sec.ClusterSecretName(),
					DefaultMode: ptr.To[int32](0o440),
				},
			},
		}
		for _, k := range sec.Keys {
			vol.Secret.Items = append(vol.Secret.Items, corev1.KeyToPath{Key: k, Path: k})
		}
		volumes = append(volumes, vol)
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      vol.Name,
			MountPath: m.MountPath,
			ReadOnly:  true,
		})
	}

	spec := corev1.PodSpec{
		Containers:                   []corev1.Container{container},
		Volumes:                      volumes,
		RestartPolicy:                corev1.RestartPolicyNever,
		AutomountServiceAccountToken: ptr.To(false),
		EnableServiceLinks:           ptr.To(false),
	}

	if lim := in.Limit; lim != nil {
		res, err := resources(lim)
		if err != nil {
			return nil, err
		}
		spec.Containers[0].Resources = res
		if len(lim.NodeSelector) > 0 {
			spec.NodeSelector = make(map[string]string, len(lim.NodeSelector))
			for k, v := range lim.NodeSelector {
				spec.NodeSelector[k] = v
			}
		}
		if lim.Affinity != nil {
			spec.Affinity = lim.Affinity.DeepCopy()
		}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      in.SessionID,
			Namespace: tpl.Namespace,
			Labels: map[string]string{
				kube.ManagedByLabel: kube.ManagedByValue,
				kube.TemplateLabel:  tpl.Name,
			},
		},
		Spec: spec,
	}, nil
}

func resources(lim *catalog.ResourceLimit) (corev1.ResourceRequirements, error) {
	var out corev1.ResourceRequirements
	set := func(list *corev1.ResourceList, name corev1.ResourceName, field, value string) error {
		if value == "" {
			return nil
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return fmt.Errorf("%w: %s %s=%q: %w", ErrInvalid, lim.Ref(), field, value, err)
		}
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = q
		return nil
	}
	if err := set(&out.Requests, corev1.ResourceCPU, "cpuRequest", lim.CPURequest); err != nil {
		return out, err
	}
	if err := set(&out.Limits, corev1.ResourceCPU, "cpuLimit", lim.CPULimit); err != nil {
		return out, err
	}
	if err := set(&out.Requests, corev1.ResourceMemory, "memoryRequest", lim.MemoryRequest); err != nil {
		return out, err
	}
	if err := set(&out.Limits, corev1.ResourceMemory, "memoryLimit", lim.MemoryLimit); err != nil {
		return out, err
	}
	return out, nil
}

// volumeName yields a DNS-1123 label unique within the Pod.
func volumeName(i int, secret string) string {
	n := fmt.Sprintf("secret-%d-%s", i, strings.ToLower(secret))
	n = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, n)
	if len(n) > 63 {
		n = n[:63]
	}
	return strings.TrimRight(n, "-")
}
