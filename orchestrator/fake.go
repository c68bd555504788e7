package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Orchestrator for tests.
type Fake struct {
	mu sync.Mutex

	// Deployed maps stack name to its per-service replica counts.
	Deployed map[string]map[string]int

	// Images maps stack name to the image references it reports. When unset
	// for a deployed stack, one synthetic reference per replica is reported.
	Images map[string][]string

	// Err, when set, is returned by every call.
	Err error

	// ScaleCalls records SetReplicas invocations as "stack/service=n".
	ScaleCalls []string
}

// NewFake creates an empty fake orchestrator.
func NewFake() *Fake {
	return &Fake{
		Deployed: map[string]map[string]int{},
		Images:   map[string][]string{},
	}
}

func (f *Fake) ListDeployedNames(ctx context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	names := make(map[string]bool, len(f.Deployed))
	for name := range f.Deployed {
		names[name] = true
	}
	return names, nil
}

func (f *Fake) ReportedImages(ctx context.Context, stackName string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	services, ok := f.Deployed[stackName]
	if !ok {
		return nil, nil
	}
	if refs, ok := f.Images[stackName]; ok {
		return refs, nil
	}
	var refs []string
	for service, count := range services {
		for i := 0; i < count; i++ {
			refs = append(refs, fmt.Sprintf("registry.local/%s:latest", service))
		}
	}
	return refs, nil
}

func (f *Fake) CurrentReplicas(ctx context.Context, stackName string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	replicas := map[string]int{}
	for service, count := range f.Deployed[stackName] {
		replicas[service] = count
	}
	return replicas, nil
}

func (f *Fake) Deploy(ctx context.Context, configFile, stackName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Deployed[stackName]; !ok {
		f.Deployed[stackName] = map[string]int{}
	}
	return nil
}

func (f *Fake) Remove(ctx context.Context, stackName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.Deployed, stackName)
	return nil
}

func (f *Fake) SetReplicas(ctx context.Context, stackName, service string, replicas int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Deployed[stackName]; !ok {
		f.Deployed[stackName] = map[string]int{}
	}
	f.Deployed[stackName][service] = replicas
	f.ScaleCalls = append(f.ScaleCalls, fmt.Sprintf("%s/%s=%d", stackName, service, replicas))
	return nil
}
