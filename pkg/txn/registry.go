package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/txgate/pkg/dbconn"
	"github.com/harun/txgate/pkg/fault"
	"github.com/rs/zerolog"
)

// Env is what an implementation constructor receives: the connection it is bound to
// and the identity of the caller.
type Env struct {
	Conn      *dbconn.Conn
	User      interface{}
	SessionID string
	Logger    zerolog.Logger
}

// Constructor builds an implementation instance bound to one connection.
type Constructor func(env Env) (interface{}, error)

// Method is one entry of an interface's dispatch table.
type Method struct {
	// Params lists the declared parameter type identifiers, in order.
	Params []string
	Call   func(ctx context.Context, impl interface{}, args Args) (interface{}, error)
}

// Interface is a named business interface: its constructor and its dispatch table.
type Interface struct {
	Name    string
	New     Constructor
	Methods map[string]Method
}

// Handler builds a Method for implementations of type T.
func Handler[T any](params []string, fn func(ctx context.Context, impl T, args Args) (interface{}, error)) Method {
	return Method{
		Params: params,
		Call: func(ctx context.Context, impl interface{}, args Args) (interface{}, error) {
			typed, ok := impl.(T)
			if !ok {
				return nil, fmt.Errorf("implementation %T does not match handler", impl)
			}
			return fn(ctx, typed, args)
		},
	}
}

// Registry maps interface names to their constructor and dispatch table.
type Registry struct {
	mu     sync.RWMutex
	ifaces map[string]*Interface
}

// NewRegistry creates an empty interface registry
func NewRegistry() *Registry {
	return &Registry{ifaces: make(map[string]*Interface)}
}

// Register adds an interface. Names must be unique.
func (r *Registry) Register(iface Interface) error {
	if iface.Name == "" {
		return fmt.Errorf("interface name cannot be empty")
	}
	if iface.New == nil {
		return fmt.Errorf("interface %s has no constructor", iface.Name)
	}
	if len(iface.Methods) == 0 {
		return fmt.Errorf("interface %s has no methods", iface.Name)
	}
	for name, m := range iface.Methods {
		if m.Call == nil {
			return fmt.Errorf("method %s.%s has no handler", iface.Name, name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ifaces[iface.Name]; exists {
		return fmt.Errorf("interface %s already registered", iface.Name)
	}
	methods := make(map[string]Method, len(iface.Methods))
	for name, m := range iface.Methods {
		methods[name] = m
	}
	iface.Methods = methods
	r.ifaces[iface.Name] = &iface
	return nil
}

// MustRegister is Register that panics on error, for process start.
func (r *Registry) MustRegister(iface Interface) {
	if err := r.Register(iface); err != nil {
		panic(err)
	}
}

// Resolve returns the interface registered under name.
func (r *Registry) Resolve(name string) (*Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.ifaces[name]
	return iface, ok
}

// Names returns the registered interface names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ifaces))
	for name := range r.ifaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves an interface and one of its methods, returning protocol faults
// for unknown names.
func (r *Registry) Lookup(iface, method string) (*Interface, *Method, error) {
	ifc, ok := r.Resolve(iface)
	if !ok {
		return nil, nil, fault.Protocol(fault.CodeUnknownInterface, "unknown interface %q", iface)
	}
	m, ok := ifc.Methods[method]
	if !ok {
		return nil, nil, fault.Protocol(fault.CodeUnknownMethod, "unknown method %s.%s", iface, method)
	}
	return ifc, &m, nil
}

// CheckShape verifies a call against the method's declared parameters. paramTypes
// may be empty, in which case only the arity is checked.
func CheckShape(iface, method string, m *Method, paramTypes []string, nargs int) error {
	if nargs != len(m.Params) {
		return fault.Protocol(fault.CodeWrongCallShape, "%s.%s takes %d arguments, got %d", iface, method, len(m.Params), nargs)
	}
	if len(paramTypes) == 0 {
		return nil
	}
	if len(paramTypes) != len(m.Params) {
		return fault.Protocol(fault.CodeWrongCallShape, "%s.%s declares %d parameter types, got %d", iface, method, len(m.Params), len(paramTypes))
	}
	for i, want := range m.Params {
		if paramTypes[i] != want {
			return fault.Protocol(fault.CodeWrongCallShape, "%s.%s parameter %d is %s, got %s", iface, method, i, want, paramTypes[i])
		}
	}
	return nil
}
