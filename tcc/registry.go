package tcc

import (
	"fmt"
	"sync"
)

type registryCenter struct {
	mux       sync.RWMutex
	resources map[string]Resource
}

func newRegistryCenter() *registryCenter {
	return &registryCenter{
		resources: make(map[string]Resource),
	}
}

func (r *registryCenter) register(name string, resource Resource) error {
	if name == "" || resource == nil {
		return fmt.Errorf("invalid resource: %q", name)
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.resources[name]; ok {
		return fmt.Errorf("%w: %s", ErrRepeatResource, name)
	}
	r.resources[name] = resource
	return nil
}

func (r *registryCenter) getResources(names ...string) ([]Resource, error) {
	resources := make([]Resource, 0, len(names))

	r.mux.RLock()
	defer r.mux.RUnlock()

	for _, name := range names {
		resource, ok := r.resources[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, name)
		}
		resources = append(resources, resource)
	}

	return resources, nil
}
