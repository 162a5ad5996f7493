// Package module provides the module framework for perpetual organizations.
// Module types (participation token, task manager, etc.) register versioned
// implementations via init() and are instantiated per organization as
// beacon-bound instances.
package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
)

var (
	// ErrUnknownImplementation is returned when an implementation ID does
	// not denote registered module logic.
	ErrUnknownImplementation = errors.New("unknown implementation")

	// ErrUnknownModuleType is returned when no implementation exists for a
	// module type.
	ErrUnknownModuleType = errors.New("unknown module type")

	// ErrAlreadyInitialized is returned when an instance's one-shot
	// initializer is invoked a second time.
	ErrAlreadyInitialized = errors.New("instance already initialized")

	// ErrNotInitialized is returned when invoking an instance that has not
	// been initialized.
	ErrNotInitialized = errors.New("instance not initialized")
)

// InvokeFunc dispatches a call against another module instance.
type InvokeFunc func(ctx context.Context, instanceID, method string, args map[string]any) (any, error)

// Deps carries the collaborators module logic may use. Invoke routes
// cross-module calls back through the proxy layer so they resolve through
// the target's beacon like any other call.
type Deps struct {
	DB     *gorm.DB
	Hats   hats.Directory
	Logger *slog.Logger
	Invoke InvokeFunc
}

// Logic is the behavior behind a module type at one version. Implementations
// are stateless; instance state lives in their stores, keyed by instance ID.
type Logic interface {
	// Type returns the module type (e.g. "TaskManager").
	Type() string

	// Version returns the implementation version (e.g. "v1").
	Version() string

	// Init runs the instance's one-shot initializer with module-specific
	// parameters. The initialization guard is enforced by the proxy, not
	// here; Init validates params and persists instance configuration.
	Init(ctx context.Context, instanceID string, params map[string]any) error

	// Invoke dispatches a named operation against an instance.
	Invoke(ctx context.Context, instanceID string, method string, args map[string]any) (any, error)
}

// Factory constructs module logic bound to the given collaborators.
type Factory func(deps Deps) Logic

// ImplID composes an implementation identifier from type and version.
func ImplID(moduleType, version string) string {
	return moduleType + "@" + version
}

// SplitImplID splits an implementation identifier into type and version.
func SplitImplID(id string) (moduleType, version string, ok bool) {
	moduleType, version, ok = strings.Cut(id, "@")
	return
}

type registration struct {
	moduleType string
	version    string
	factory    Factory
}

var (
	registryMu sync.RWMutex
	registered = map[string]registration{}        // impl ID -> registration
	versions   = map[string][]string{}            // module type -> versions, registration order
)

// RegisterImplementation registers module logic under type@version. Module
// packages call this from init(). Re-registering an implementation ID panics;
// that is a programming error caught at startup.
func RegisterImplementation(moduleType, version string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	id := ImplID(moduleType, version)
	if _, exists := registered[id]; exists {
		panic(fmt.Sprintf("module: implementation %s registered twice", id))
	}
	registered[id] = registration{moduleType: moduleType, version: version, factory: factory}
	versions[moduleType] = append(versions[moduleType], version)
}

// Names returns the registered module types, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(versions))
	for t := range versions {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

// Latest returns the most recently registered implementation ID for a module
// type.
func Latest(moduleType string) (string, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	vs := versions[moduleType]
	if len(vs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownModuleType, moduleType)
	}
	return ImplID(moduleType, vs[len(vs)-1]), nil
}

// HasImplementation reports whether id denotes registered module logic.
// Beacons use this to guarantee they only ever point at logic, never at
// another layer of indirection.
func HasImplementation(id string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registered[id]
	return ok
}

// Instantiate constructs the logic behind an implementation ID.
func Instantiate(id string, deps Deps) (Logic, error) {
	registryMu.RLock()
	reg, ok := registered[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImplementation, id)
	}
	return reg.factory(deps), nil
}

// ResetRegistry clears all registered implementations. Test helper.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registered = map[string]registration{}
	versions = map[string][]string{}
}
