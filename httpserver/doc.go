/*
Package httpserver is the HTTP server scaffolding shared by the phone-side
secure LAN endpoint and the device simulator.

The owner mounts its routes through the callback passed to New. Every server
also exposes:

  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Mark server as not ready
  - GET /undrain - Mark server as ready
  - /debug/pprof - when EnablePprof is set

Requests are logged through flashbots/go-utils httplogger with the server's
slog logger.

Example usage:

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr: ":0",
		Log:        log,
	}, func(r chi.Router) {
		r.Post("/local_lan/key_exchange.json", handleKeyExchange)
	})
	if err != nil {
		return err
	}
	if err := srv.RunInBackground(); err != nil {
		return err
	}
	defer srv.Shutdown()
*/
package httpserver
