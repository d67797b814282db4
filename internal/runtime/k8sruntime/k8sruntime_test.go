package k8sruntime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/dispatchd/dispatchd/internal/runtime"
)

func TestRuntime_LaunchThenDescribeThenStop(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	rt := NewWithClient(client, "dispatchd-workers", time.Second)
	ctx := context.Background()

	handle, err := rt.Launch(ctx, runtime.LaunchSpec{
		DispatchID: "dsp_abc",
		Agent:      "aider",
		Image:      "dispatchd/aider-worker:latest",
		Env:        map[string]string{"TASK": "echo hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "dispatch-dsp_abc", handle)

	desc, err := rt.Describe(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, runtime.RuntimeStateRunning, desc.State)

	require.NoError(t, rt.Stop(ctx, handle, "test"))

	desc, err = rt.Describe(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, runtime.RuntimeStateUnknown, desc.State)
}

func TestRuntime_StopMissingPodIsIdempotent(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	rt := NewWithClient(client, "dispatchd-workers", time.Second)

	assert.NoError(t, rt.Stop(context.Background(), "no-such-pod", "test"))
}

func TestRuntime_DescribeMissingPodIsUnknown(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	rt := NewWithClient(client, "dispatchd-workers", time.Second)

	desc, err := rt.Describe(context.Background(), "no-such-pod")
	require.NoError(t, err)
	assert.Equal(t, runtime.RuntimeStateUnknown, desc.State)
}

func TestRuntime_SubscribeDeliversTerminationOnPodSuccess(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	rt := NewWithClient(client, "dispatchd-workers", time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := rt.Launch(ctx, runtime.LaunchSpec{
		DispatchID: "dsp_xyz",
		Agent:      "aider",
		Image:      "dispatchd/aider-worker:latest",
	})
	require.NoError(t, err)

	events := make(chan runtime.TerminationEvent, 1)
	go func() {
		_ = rt.Subscribe(ctx, func(_ context.Context, ev runtime.TerminationEvent) error {
			events <- ev
			return nil
		})
	}()

	// Give the watch goroutine time to establish before mutating the pod.
	time.Sleep(50 * time.Millisecond)

	pod, err := client.CoreV1().Pods("dispatchd-workers").Get(ctx, handle, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = corev1.PodSucceeded
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name: "worker",
		State: corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{ExitCode: 0, FinishedAt: metav1.Now()},
		},
	}}
	_, err = client.CoreV1().Pods("dispatchd-workers").UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, handle, ev.RuntimeHandle)
		require.NotNil(t, ev.ExitCode)
		assert.Equal(t, 0, *ev.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for termination event")
	}
}
