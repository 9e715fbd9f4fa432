package platform_test

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instanceforge/controlplane/messages"
	"github.com/instanceforge/controlplane/platform"
)

func TestPodDriver_StartCreatesPodWithDeclaredBinding(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	driver := platform.NewPodDriver(clientset, "instanceforge/demo:latest", "instanceforge")

	config := messages.DeclaredConfiguration{
		ServerBinding: messages.ServerBinding{Host: "0.0.0.0", Port: 9090, LogLevel: "debug"},
		Sources:       []messages.OpaqueRecord{{"kind": "file"}},
	}

	info, err := driver.Start(context.Background(), "inst-1", config)
	require.NoError(t, err)
	assert.Equal(t, "instanceforge", info.Namespace)
	assert.Equal(t, "instance-inst-1", info.PodName)

	pod, err := clientset.CoreV1().Pods("instanceforge").Get(context.Background(), "instance-inst-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "instanceforge/demo:latest", pod.Spec.Containers[0].Image)
}

func TestPodDriver_StopDeletesPod(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "instance-inst-2", Namespace: "default"},
	})
	driver := platform.NewPodDriver(clientset, "img", "")

	info, err := driver.Stop(context.Background(), "inst-2")
	require.NoError(t, err)
	assert.Equal(t, messages.StatusStopped, info.Status)

	_, err = clientset.CoreV1().Pods("default").Get(context.Background(), "instance-inst-2", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestPodDriver_StopIsIdempotentWhenAbsent(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	driver := platform.NewPodDriver(clientset, "img", "")

	info, err := driver.Stop(context.Background(), "never-existed")
	require.NoError(t, err)
	assert.Equal(t, messages.StatusStopped, info.Status)
}

func TestPodDriver_StatusReflectsPhase(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "instance-inst-3", Namespace: "default"},
		Status:     corev1.PodStatus{Phase: corev1.PodFailed, Message: "crashed"},
	})
	driver := platform.NewPodDriver(clientset, "img", "")

	info, err := driver.Status(context.Background(), "inst-3")
	require.NoError(t, err)
	assert.Equal(t, messages.StatusError, info.Status)
	assert.Equal(t, "crashed", info.ErrorMessage)
}

func TestPodDriver_Allocate(t *testing.T) {
	driver := platform.NewPodDriver(fake.NewSimpleClientset(), "img", "")
	allocator := platform.NewPortAllocator(9100, 9100)

	binding, err := driver.Allocate(allocator)
	require.NoError(t, err)
	assert.Equal(t, 9100, binding.Port)
}
