package platform

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/instanceforge/controlplane/messages"
)

const podRecordsAnnotation = "instanceforge.io/records"

// PodDriver hosts instances as bare Kubernetes pods via direct clientset
// calls — no controller-runtime reconciling loop, since the reconciler
// package already owns drift detection for this system.
type PodDriver struct {
	Clientset kubernetes.Interface
	Image     string
	Namespace string
}

// NewPodDriver wraps an already-configured clientset. namespace defaults to
// "default" when empty.
func NewPodDriver(clientset kubernetes.Interface, image, namespace string) *PodDriver {
	if namespace == "" {
		namespace = "default"
	}
	return &PodDriver{Clientset: clientset, Image: image, Namespace: namespace}
}

func podName(id string) string {
	return "instance-" + id
}

// Start creates a pod for id, with the declared sources/queries/reactions
// stashed as a JSON annotation since they have no natural pod-spec field.
func (d *PodDriver) Start(ctx context.Context, id string, config messages.DeclaredConfiguration) (messages.RuntimeInfo, error) {
	records, err := json.Marshal(struct {
		Sources   []messages.OpaqueRecord `json:"sources"`
		Queries   []messages.OpaqueRecord `json:"queries"`
		Reactions []messages.OpaqueRecord `json:"reactions"`
	}{config.Sources, config.Queries, config.Reactions})
	if err != nil {
		return messages.RuntimeInfo{}, fmt.Errorf("marshal opaque records: %w", err)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(id),
			Namespace: d.Namespace,
			Labels: map[string]string{
				"instanceforge.io/instance-id": id,
			},
			Annotations: map[string]string{
				podRecordsAnnotation: string(records),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "instance",
					Image: d.Image,
					Env: []corev1.EnvVar{
						{Name: "INSTANCE_HOST", Value: config.Host},
						{Name: "INSTANCE_PORT", Value: fmt.Sprintf("%d", config.Port)},
						{Name: "INSTANCE_LOG_LEVEL", Value: config.LogLevel},
					},
					Ports: []corev1.ContainerPort{
						{ContainerPort: int32(config.Port)},
					},
				},
			},
		},
	}

	_, err = d.Clientset.CoreV1().Pods(d.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return messages.RuntimeInfo{}, fmt.Errorf("create pod: %w", err)
	}

	return d.Status(ctx, id)
}

// Stop deletes the pod. A missing pod is treated as already stopped.
func (d *PodDriver) Stop(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	err := d.Clientset.CoreV1().Pods(d.Namespace).Delete(ctx, podName(id), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return messages.RuntimeInfo{}, fmt.Errorf("delete pod: %w", err)
	}
	return messages.RuntimeInfo{InstanceID: id, Status: messages.StatusStopped}, nil
}

// Restart deletes and recreates the pod from its last-known spec. Pods are
// not restartable in place, unlike containers or processes, so the
// configuration is rebuilt from the existing pod's environment variables
// and records annotation, the pod is stopped, and it is started again with
// that configuration; the returned state is the one Start reports.
func (d *PodDriver) Restart(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	existing, err := d.Clientset.CoreV1().Pods(d.Namespace).Get(ctx, podName(id), metav1.GetOptions{})
	if err != nil {
		return messages.RuntimeInfo{}, fmt.Errorf("get pod for restart: %w", err)
	}

	var records struct {
		Sources   []messages.OpaqueRecord `json:"sources"`
		Queries   []messages.OpaqueRecord `json:"queries"`
		Reactions []messages.OpaqueRecord `json:"reactions"`
	}
	_ = json.Unmarshal([]byte(existing.Annotations[podRecordsAnnotation]), &records)

	var env struct {
		Host     string
		Port     int
		LogLevel string
	}
	for _, e := range existing.Spec.Containers[0].Env {
		switch e.Name {
		case "INSTANCE_HOST":
			env.Host = e.Value
		case "INSTANCE_LOG_LEVEL":
			env.LogLevel = e.Value
		}
	}
	config := messages.DeclaredConfiguration{
		ServerBinding: messages.ServerBinding{Host: env.Host, LogLevel: env.LogLevel},
		Sources:       records.Sources,
		Queries:       records.Queries,
		Reactions:     records.Reactions,
	}
	if len(existing.Spec.Containers[0].Ports) > 0 {
		config.Port = int(existing.Spec.Containers[0].Ports[0].ContainerPort)
	}

	if _, err := d.Stop(ctx, id); err != nil {
		return messages.RuntimeInfo{}, err
	}
	return d.Start(ctx, id, config)
}

// Status reports the pod's phase as runtime info.
func (d *PodDriver) Status(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	pod, err := d.Clientset.CoreV1().Pods(d.Namespace).Get(ctx, podName(id), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return messages.RuntimeInfo{}, fmt.Errorf("status %s: no tracked pod", id)
		}
		return messages.RuntimeInfo{}, fmt.Errorf("get pod: %w", err)
	}

	status := messages.StatusRunning
	errMsg := ""
	switch pod.Status.Phase {
	case corev1.PodRunning:
		status = messages.StatusRunning
	case corev1.PodFailed:
		status = messages.StatusError
		errMsg = pod.Status.Message
	case corev1.PodSucceeded:
		status = messages.StatusStopped
	}

	var startedAt metav1.Time
	if pod.Status.StartTime != nil {
		startedAt = *pod.Status.StartTime
	}

	return messages.RuntimeInfo{
		InstanceID:   id,
		Status:       status,
		StartedAt:    startedAt.Time,
		PodName:      pod.Name,
		Namespace:    pod.Namespace,
		ErrorMessage: errMsg,
	}, nil
}

// ListAll lists every pod this driver manages, identified by its label.
func (d *PodDriver) ListAll(ctx context.Context) ([]messages.RuntimeInfo, error) {
	list, err := d.Clientset.CoreV1().Pods(d.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "instanceforge.io/instance-id",
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	result := make([]messages.RuntimeInfo, 0, len(list.Items))
	for _, pod := range list.Items {
		id := pod.Labels["instanceforge.io/instance-id"]
		info, err := d.Status(ctx, id)
		if err != nil {
			continue
		}
		result = append(result, info)
	}
	return result, nil
}

// Available reports whether the Kubernetes API server answers a basic
// discovery call.
func (d *PodDriver) Available(ctx context.Context) bool {
	_, err := d.Clientset.CoreV1().Pods(d.Namespace).List(ctx, metav1.ListOptions{Limit: 1})
	return err == nil
}

// Allocate reserves a port from allocator; the pod network namespace binds
// it on the pod's own IP rather than the node's.
func (d *PodDriver) Allocate(allocator *PortAllocator) (messages.ServerBinding, error) {
	port, err := allocator.Allocate()
	if err != nil {
		return messages.ServerBinding{}, err
	}
	return messages.ServerBinding{Host: "0.0.0.0", Port: port, LogLevel: "info"}, nil
}

var _ Driver = (*PodDriver)(nil)
