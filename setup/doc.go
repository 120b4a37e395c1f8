// Package setup drives a provisioning session from device discovery to
// cloud registration over any interfaces.Transport.
//
// A session walks the states
//
//	Idle → Scanning → ConnectingToDevice → FetchingIdentity → (SecureBootstrap)
//	→ StartingDeviceScan → AwaitingScanResults → SendingCredentials
//	→ (AwaitingConnectStatus) → ConfirmingCloud → Registering → Done
//
// with Failed and Exited reachable from any state. Which optional steps run
// is decided by a Plan computed from the device features once its identity
// is known.
//
// Every step is an operation chained beneath the session's root operation,
// so Cancel reaches whatever is in flight, and a result that arrives after
// the cancel is dropped.
//
//	s, err := setup.New(setup.Config{Transport: tr, Cloud: c, Associator: a})
//	dev, err := s.Run(ctx, setup.Request{SSID: "home", Password: pw})
//	defer s.Exit(context.Background())
package setup
