// Package cloud is the client for the device service endpoints used while
// provisioning: confirming that a device has checked in, and registering it
// to the authenticated account.
//
// Requests carry the "Authorization: auth_token <token>" header. Every query
// is retried on transport errors and 5xx responses by go-retryablehttp.
// Other non-2xx responses surface as *interfaces.StatusError with the cloud
// as source, so callers can test for a 404 with interfaces.IsNotFound.
//
//	c, err := cloud.NewClient(cloud.ClientConfig{
//		BaseURL:   "https://ads-field.example.com",
//		AuthToken: token,
//	})
//	dev, err := c.Connected(ctx, "AC000W000000001", "a1b2c3")
package cloud
