package server

import (
	"context"

	"github.com/cockroachdb/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kahf-io/maintenance-operator/internal/content"
)

// ConfigMapPages loads custom pages from ConfigMaps in the operator's
// namespace, one ConfigMap per named page with one data key per format.
type ConfigMapPages struct {
	client    kubernetes.Interface
	namespace string
}

// NewConfigMapPages creates a ConfigMapPages reading from the given namespace.
func NewConfigMapPages(client kubernetes.Interface, namespace string) *ConfigMapPages {
	return &ConfigMapPages{client: client, namespace: namespace}
}

// CustomPage returns the payload of the named page in the given format, or
// empty when the page or format is absent.
func (p *ConfigMapPages) CustomPage(ctx context.Context, name, format string) (string, error) {
	cmName := content.CustomPagePrefix + name

	cm, err := p.client.CoreV1().ConfigMaps(p.namespace).Get(ctx, cmName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", nil
		}

		return "", errors.Wrapf(err, "failed to read page configmap %s/%s", p.namespace, cmName)
	}

	return cm.Data["page."+format], nil
}
