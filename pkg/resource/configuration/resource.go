package configuration

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"gocellar/pkg/fabric"
	"gocellar/storage"
)

// Resource bundles the configuration collaborators of one node.
type Resource struct {
	Controller   *Controller
	Handler      *Handler
	Listener     *Listener
	Synchronizer *Synchronizer
}

// New builds the collaborators around f. local holds this node's
// configurations; shared holds the cluster maps.
func New(f *fabric.Fabric, members fabric.Membership, local, shared storage.Storage, logger hclog.Logger) *Resource {
	c := NewController(local, logger)
	return &Resource{
		Controller:   c,
		Handler:      NewHandler(c, shared, members, f.Filter, logger),
		Listener:     NewListener(c, shared, members, f.Filter, f.Producer, logger),
		Synchronizer: NewSynchronizer(c, shared, members, f.Filter, f.Producer, logger),
	}
}

// Register binds the handler and the synchronizer to f.
func (r *Resource) Register(f *fabric.Fabric) error {
	if err := f.Bind(r.Handler); err != nil {
		return fmt.Errorf("configuration handler: %w", err)
	}
	if err := f.Sync.Register(r.Synchronizer); err != nil {
		f.Registry.Unbind(r.Handler)
		return fmt.Errorf("configuration synchronizer: %w", err)
	}
	return nil
}

// Start runs the listener until ctx is done.
func (r *Resource) Start(ctx context.Context) {
	go r.Listener.Run(ctx)
}

// Close stops the listener by closing the controller.
func (r *Resource) Close() {
	r.Controller.Close()
}
