// Package storage persists provisioning session reports in content-addressed
// backends.
//
// Every document is identified by the SHA-256 hash of its bytes. Reports and
// device connect traces live in separate namespaces of the same backend.
//
// # Storage URI Format
//
// Backends are specified as URIs:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//
//   - file:///var/lib/provisioning/reports
//   - s3://bucket-name/prefix?region=us-west-2&endpoint=minio.local:9000&path_style=true
//
// S3 credentials may be embedded as ACCESS_KEY:SECRET_KEY@bucket. Without
// them the AWS default credential chain applies.
//
// # Usage
//
//	locs, err := storage.ParseLocations([]string{"file:///var/lib/provisioning", "s3://reports/prod"})
//	if err != nil {
//	    return err
//	}
//	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locs)
//	if err != nil {
//	    return err
//	}
//	reports := storage.NewReportStore(backend, logger)
//
// The report store is then handed to setup.Config.Reports; each session
// writes its report on exit.
package storage
