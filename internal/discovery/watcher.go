// Package discovery keeps the ring's membership in sync with the cluster.
//
// Two mechanisms cooperate:
//   - The pod watcher follows Kubernetes pod events for the configured
//     app label and namespace, adding and removing pod IPs from the ring.
//   - The health monitor (health.go) probes ring members and removes nodes
//     that stop answering, so placement routes around dead peers between
//     watch events.
package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/pothiq1/distributed-cache-sidecar/internal/ring"
)

// rewatchDelay is how long the watcher waits before re-establishing a
// broken watch stream.
const rewatchDelay = 2 * time.Second

// Watcher follows pod membership and mutates the ring.
type Watcher struct {
	client    kubernetes.Interface
	ring      *ring.Ring
	namespace string
	appLabel  string
	logger    *zap.Logger
}

// NewWatcher creates a watcher over pods labeled app=<appLabel> in the
// given namespace.
func NewWatcher(client kubernetes.Interface, r *ring.Ring, namespace, appLabel string, logger *zap.Logger) *Watcher {
	return &Watcher{
		client:    client,
		ring:      r,
		namespace: namespace,
		appLabel:  appLabel,
		logger:    logger,
	}
}

// Run watches pod events until the context is canceled, re-establishing
// the watch whenever the server closes the stream.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if err := w.watchOnce(ctx); err != nil {
			w.logger.Warn("pod watch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(rewatchDelay):
		}
	}
}

// watchOnce opens one watch stream and applies its events until the
// stream ends or the context is canceled.
func (w *Watcher) watchOnce(ctx context.Context) error {
	stream, err := w.client.CoreV1().Pods(w.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", w.appLabel),
	})
	if err != nil {
		return err
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.ResultChan():
			if !ok {
				return nil
			}
			w.apply(ev)
		}
	}
}

// apply folds one watch event into the ring. Events without a pod IP are
// skipped; pods gain their IP only once scheduled, and a later Modified
// event carries it.
func (w *Watcher) apply(ev watch.Event) {
	pod, ok := ev.Object.(*corev1.Pod)
	if !ok {
		return
	}
	ip := pod.Status.PodIP
	if ip == "" {
		return
	}

	switch ev.Type {
	case watch.Added, watch.Modified:
		w.ring.AddNode(ip)
		w.logger.Info("pod joined ring", zap.String("pod", pod.Name), zap.String("ip", ip))
	case watch.Deleted:
		w.ring.RemoveNode(ip)
		w.logger.Info("pod left ring", zap.String("pod", pod.Name), zap.String("ip", ip))
	}
}
