package registry

// Resolver is the read side of the registry: it maps a service identifier to
// the address currently serving it. Clients that are handed explicit
// addresses never need one.
type Resolver interface {
	Lookup(service string) (string, error)
}

// Registry records which address serves a given service. Each service maps to
// a single endpoint — picking between multiple endpoints for one service is
// out of scope here.
type Registry interface {
	Resolver
	Register(service, addr string, ttl int64) error
	Deregister(service string) error
	Watch(service string) <-chan string
}
