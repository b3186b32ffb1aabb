// Package httpserver provides the HTTP server shared by the secagg coordinator
// and participant commands.
//
// It implements a base HTTP server with standard health endpoints, graceful
// shutdown, optional CORS and flexible routing, so that each command only
// registers its own endpoints.
//
// # Key Components
//
//   - BaseServer: Core HTTP server with health checks and lifecycle management
//   - RouteRegistrar: Interface for components to register their routes with the server
//   - Logged: Wraps a RouteRegistrar with structured request logging
//
// # Server Lifecycle
//
// The BaseServer implements a complete server lifecycle:
//
//  1. Initialization: Configure server with HTTP settings and route registrars
//  2. Startup: Run the HTTP server in a background goroutine
//  3. Operation: Handle requests with proper logging and monitoring
//  4. Readiness Control: Support drain/undrain operations for load balancers
//  5. Graceful Shutdown: Wait for in-flight requests to complete
//
// # Health and Diagnostics
//
// All servers built with BaseServer automatically include:
//
//   - Liveness Check: Simple endpoint to verify server is running (/livez)
//   - Readiness Check: Endpoint indicating if server is ready to accept requests (/readyz)
//   - Drain Control: Endpoints to prepare for graceful shutdown (/drain, /undrain)
//   - CORS: Optional allowed origins for browser clients
//   - Profiling: Optional pprof debugging endpoints when enabled
//
// # Usage Example
//
//	coordinator := services.NewHTTPCoordinator(coordinatorConfig, coord)
//
//	srv, err := httpserver.New(cfg,
//	    httpserver.Logged(log, httpserver.RouteFunc(coordinator.RegisterAPIRoutes)),
//	    httpserver.RouteFunc(coordinator.RegisterEventsRoute),
//	)
//	if err != nil {
//	    return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
