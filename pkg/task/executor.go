package task

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// ConnectionKind tells the worker which pooled connection an executor needs
type ConnectionKind string

const (
	ConnectionNone     ConnectionKind = ""
	ConnectionHTTP     ConnectionKind = "http"
	ConnectionDatabase ConnectionKind = "database"
)

// Connection is a pooled outbound connection lent to an executor for one call.
type Connection interface {
	Target() string
	// HTTP returns the keep-alive client bound to the target host, nil for database connections.
	HTTP() *fasthttp.HostClient
	// DB returns the database handle, nil for HTTP connections.
	DB() *sql.DB
}

// ExecContext carries per-invocation information to an executor.
type ExecContext struct {
	TaskID      string
	ExecutionID string
	WorkflowID  string
	NodeID      string
	Attempt     int
	Config      map[string]interface{}
	Conn        Connection
	Logger      *zap.Logger
}

// Executor runs the business logic of one node type. Implementations must honour
// ctx cancellation; the worker abandons calls that outlive the task timeout.
type Executor interface {
	Execute(ctx context.Context, input map[string]interface{}, ec *ExecContext) (interface{}, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, input map[string]interface{}, ec *ExecContext) (interface{}, error)

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, input map[string]interface{}, ec *ExecContext) (interface{}, error) {
	return f(ctx, input, ec)
}

// Descriptor is a registered executor plus the scheduling properties of its node type.
type Descriptor struct {
	Type       string
	Executor   Executor
	Cacheable  bool
	Connection ConnectionKind
}

// DescriptorOption customizes a Descriptor at registration
type DescriptorOption func(*Descriptor)

// Cacheable marks the node type as side-effect free so results may be cached.
func Cacheable() DescriptorOption {
	return func(d *Descriptor) { d.Cacheable = true }
}

// NeedsConnection makes the worker acquire a pooled connection before each call.
func NeedsConnection(kind ConnectionKind) DescriptorOption {
	return func(d *Descriptor) { d.Connection = kind }
}

// Registry maps node type strings to executors. It is safe for concurrent use.
type Registry struct {
	descriptors map[string]Descriptor
	mu          sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
	}
}

// Register registers an executor for a node type.
// Returns an error if the type is empty or already registered.
func (r *Registry) Register(nodeType string, executor Executor, opts ...DescriptorOption) error {
	if nodeType == "" {
		return fmt.Errorf("node type cannot be empty")
	}
	if executor == nil {
		return fmt.Errorf("executor for %s cannot be nil", nodeType)
	}

	d := Descriptor{Type: nodeType, Executor: executor}
	for _, opt := range opts {
		opt(&d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[nodeType]; exists {
		return fmt.Errorf("executor already registered for type: %s", nodeType)
	}
	r.descriptors[nodeType] = d
	return nil
}

// MustRegister is Register that panics on error, for static wiring
func (r *Registry) MustRegister(nodeType string, executor Executor, opts ...DescriptorOption) {
	if err := r.Register(nodeType, executor, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor for a node type
func (r *Registry) Lookup(nodeType string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[nodeType]
	return d, ok
}

// RegisteredTypes returns all registered node types, sorted
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.descriptors))
	for nodeType := range r.descriptors {
		types = append(types, nodeType)
	}
	sort.Strings(types)
	return types
}
