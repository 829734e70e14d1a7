package kube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// Attacher connects to the stdin and stdout of a running container.
//
// Reads from the returned stream yield the container's stdout; writes go to
// its stdin. Closing the stream detaches. When the container exits or the Pod
// is deleted, reads return io.EOF or an error.
type Attacher interface {
	Attach(ctx context.Context, namespace, pod, container string) (io.ReadWriteCloser, error)
}

// AttachTimeout bounds how long Attach waits for the API server to upgrade
// the connection.
const AttachTimeout = 30 * time.Second

// SPDYAttacher attaches through the API server's pods/attach subresource.
type SPDYAttacher struct {
	client kubernetes.Interface
	config *rest.Config
}

var _ Attacher = (*SPDYAttacher)(nil)

// NewSPDYAttacher creates an attacher bound to a cluster.
func NewSPDYAttacher(client kubernetes.Interface, config *rest.Config) *SPDYAttacher {
	return &SPDYAttacher{client: client, config: config}
}

// Attach opens the attach stream and returns once the API server has
// upgraded the connection. The stream outlives ctx; it is torn down by Close.
func (a *SPDYAttacher) Attach(ctx context.Context, namespace, pod, container string) (io.ReadWriteCloser, error) {
	req := a.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("attach").
		VersionedParams(&corev1.PodAttachOptions{
			Container: container,
			Stdin:     true,
			Stdout:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(a.config, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("attach %s/%s: %w", namespace, pod, err)
	}
	s, err := openStream(ctx, exec.StreamWithContext, AttachTimeout)
	if err != nil {
		return nil, fmt.Errorf("attach %s/%s: %w", namespace, pod, err)
	}
	return s, nil
}

type streamFunc func(ctx context.Context, opts remotecommand.StreamOptions) error

// openStream runs stream in the background and waits until it starts
// copying stdin, which it only does once every channel of the upgraded
// connection is open. A stream that fails first reports its error here.
func openStream(ctx context.Context, stream streamFunc, timeout time.Duration) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &attachStream{r: stdoutR, w: stdinW, cancel: cancel}

	ready := make(chan struct{})
	exited := make(chan error, 1)
	go func() {
		err := stream(streamCtx, remotecommand.StreamOptions{
			Stdin:  &readyReader{r: stdinR, ready: ready},
			Stdout: stdoutW,
		})
		exited <- err
		if err == nil || errors.Is(err, context.Canceled) {
			err = io.EOF
		}
		stdoutW.CloseWithError(err)
		stdinR.CloseWithError(err)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return s, nil
	case err := <-exited:
		s.Close()
		if err == nil {
			err = errors.New("stream closed before it was established")
		}
		return nil, err
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	case <-timer.C:
		s.Close()
		return nil, fmt.Errorf("stream not established within %s", timeout)
	}
}

// readyReader closes ready on the first Read.
type readyReader struct {
	r     io.Reader
	ready chan struct{}
	once  sync.Once
}

func (r *readyReader) Read(p []byte) (int, error) {
	r.once.Do(func() { close(r.ready) })
	return r.r.Read(p)
}

type attachStream struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	cancel context.CancelFunc
	once   sync.Once
}

func (s *attachStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *attachStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *attachStream) Close() error {
	s.once.Do(func() {
		s.w.Close()
		s.cancel()
		s.r.Close()
	})
	return nil
}
