package fake

import (
	"context"
	"slices"
	"strings"
	"sync"

	"relayctl/internal/adapter/fake/fault"
	"relayctl/internal/check"
	"relayctl/internal/relay"
)

const (
	FaultDeploymentStorePut    = "deployment_store.put"
	FaultDeploymentStoreGet    = "deployment_store.get"
	FaultDeploymentStoreList   = "deployment_store.list"
	FaultDeploymentStoreDelete = "deployment_store.delete"
)

// DeploymentStore is an in-memory deployment record store.
type DeploymentStore struct {
	CallRecorder
	mu          sync.Mutex
	deployments map[string]relay.Deployment
	faults      *fault.Injector
}

func NewDeploymentStore() *DeploymentStore {
	return &DeploymentStore{deployments: make(map[string]relay.Deployment), faults: fault.NewInjector()}
}

func (s *DeploymentStore) FailOnce(point string, err error) {
	s.faults.FailOnce(point, err)
}

func (s *DeploymentStore) FailAlways(point string, err error) {
	s.faults.FailAlways(point, err)
}

func (s *DeploymentStore) SetFaultHook(point string, hook fault.Hook) {
	s.faults.SetHook(point, hook)
}

func (s *DeploymentStore) ClearFault(point string) {
	s.faults.Clear(point)
}

func (s *DeploymentStore) ResetFaults() {
	s.faults.Reset()
}

func (s *DeploymentStore) evalFault(point string, args ...any) error {
	check.Assert(s != nil, "DeploymentStore.evalFault: receiver must not be nil")
	check.Assert(s.faults != nil, "DeploymentStore.evalFault: faults injector must not be nil")
	if s == nil || s.faults == nil {
		return nil
	}
	return s.faults.Eval(point, args...)
}

func (s *DeploymentStore) Put(ctx context.Context, d relay.Deployment) error {
	s.record("Put", d.PodName)
	if err := s.evalFault(FaultDeploymentStorePut, ctx, d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.PodName] = d
	return nil
}

func (s *DeploymentStore) Get(ctx context.Context, pod string) (relay.Deployment, bool, error) {
	s.record("Get", pod)
	if err := s.evalFault(FaultDeploymentStoreGet, ctx, pod); err != nil {
		return relay.Deployment{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[pod]
	return d, ok, nil
}

func (s *DeploymentStore) List(ctx context.Context) ([]relay.Deployment, error) {
	s.record("List")
	if err := s.evalFault(FaultDeploymentStoreList, ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]relay.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b relay.Deployment) int { return strings.Compare(a.PodName, b.PodName) })
	return out, nil
}

func (s *DeploymentStore) Delete(ctx context.Context, pod string) error {
	s.record("Delete", pod)
	if err := s.evalFault(FaultDeploymentStoreDelete, ctx, pod); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deployments, pod)
	return nil
}
