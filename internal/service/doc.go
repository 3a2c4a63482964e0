// Package service keeps the names of the services running in the root image.
//
// A service registers the portals of its per-CPU local threads under a name.
// Images inside the root domain reach them directly through the registry;
// child images ask the registry's own portal service, which answers a lookup
// by delegating the service's portals into the caller's receive window.
//
// Example Usage:
//
//	reg := service.NewRegistry(env)
//	reg.Add(echo)
//	svc, _ := reg.Serve()
//	// in a child holding the registry portals:
//	client, _ := service.Lookup(childEnv, service.NewClient(childEnv, pts), "echo")
package service
