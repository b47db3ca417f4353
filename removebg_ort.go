//go:build cgo && (ORT || ALL)

package removebg

import (
	"github.com/DougieWougie/RemoveBackground/backends"
	"github.com/DougieWougie/RemoveBackground/options"
)

// NewORTSession creates a session that runs the model with onnxruntime. The runtime environment
// is started with the model, on first use.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	session, err := newSession("ORT", opts...)
	if err != nil {
		return nil, err
	}
	session.initialiseRuntime = backends.InitializeORTEnvironment
	session.environmentDestroy = backends.DestroyORTEnvironment
	return session, nil
}
