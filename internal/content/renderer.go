// Package content renders maintenance page content and computes the content
// hash used as the dedup key for shared maintenance resource sets.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	// PageKey is the ConfigMap data key holding the HTML payload of a page.
	PageKey = "page.html"

	// CustomPagePrefix prefixes the ConfigMap name of a named custom page.
	CustomPagePrefix = "maintenance-page-"

	// DefaultPage is the normalized name of the default page selection.
	DefaultPage = "default"

	// hashLength is the truncated length of the content hash. Eight hex
	// characters keep resource names short while leaving collisions
	// implausible within a namespace.
	hashLength = 8
)

// FallbackHTML is served when neither a custom page nor the default pages
// ConfigMap provides content. Toggling maintenance mode must never be blocked
// by a missing page.
const FallbackHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Maintenance Mode</title>
    <style>
        body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
        h1 { color: #333; }
    </style>
</head>
<body>
    <h1>Site Under Maintenance</h1>
    <p>We'll be back soon. Thank you for your patience.</p>
</body>
</html>`

// Hash returns the dedup key for the given rendered content: the hex SHA-256
// digest truncated to a short fixed form.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)

	return hex.EncodeToString(sum[:])[:hashLength]
}

// IsDefaultPage reports whether the page selection means "use default
// content": empty, whitespace, or the literal "default" in any case.
func IsDefaultPage(page string) bool {
	trimmed := strings.TrimSpace(page)

	return trimmed == "" || strings.EqualFold(trimmed, DefaultPage)
}

// Normalize maps a raw custom-page annotation value to its canonical form:
// "default" for any default-equivalent value, the trimmed raw value
// otherwise. Comparison of normalized values is case-sensitive for named
// pages.
func Normalize(page string) string {
	if IsDefaultPage(page) {
		return DefaultPage
	}

	return strings.TrimSpace(page)
}

// Renderer renders page content from ConfigMaps in the operator's namespace.
//
// Rendering is deterministic for a given page name and cluster state, which
// is what makes the content-hash dedup meaningful: two routes selecting the
// same page within one reconciliation window render identical bytes.
type Renderer struct {
	reader           client.Reader
	namespace        string
	defaultConfigMap string
}

// NewRenderer creates a Renderer reading from the given namespace.
// defaultConfigMap names the ConfigMap holding the default page.
func NewRenderer(reader client.Reader, namespace, defaultConfigMap string) *Renderer {
	return &Renderer{
		reader:           reader,
		namespace:        namespace,
		defaultConfigMap: defaultConfigMap,
	}
}

// Render returns the content bytes for the given page selection.
//
// A missing ConfigMap or empty payload falls back to FallbackHTML; only
// transient API failures are returned as errors, so the caller can retry
// with consistent hashing.
func (r *Renderer) Render(ctx context.Context, page string) ([]byte, error) {
	name := r.defaultConfigMap
	if !IsDefaultPage(page) {
		name = CustomPagePrefix + strings.TrimSpace(page)
	}

	var cm corev1.ConfigMap

	err := r.reader.Get(ctx, types.NamespacedName{Namespace: r.namespace, Name: name}, &cm)
	if err != nil {
		if apierrors.IsNotFound(err) {
			slog.Default().Warn("page configmap not found, using fallback content",
				"configmap", name, "namespace", r.namespace)

			return []byte(FallbackHTML), nil
		}

		return nil, errors.Wrapf(err, "failed to read page configmap %s/%s", r.namespace, name)
	}

	html := cm.Data[PageKey]
	if html == "" {
		slog.Default().Warn("page configmap has no content, using fallback content",
			"configmap", name, "namespace", r.namespace)

		return []byte(FallbackHTML), nil
	}

	return []byte(html), nil
}
