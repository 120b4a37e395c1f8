package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/device-provisioning/interfaces"
)

// StorageBackendFactory creates report storage backends from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates a backend for a location.
//
// Supported schemes:
//   - file:///var/lib/provisioning/reports
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=minio.local:9000
func (sf *StorageBackendFactory) StorageBackendFor(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch strings.ToLower(loc.Scheme) {
	case "s3":
		return sf.createS3Backend(loc)
	case "file":
		return sf.createFileBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates a backend writing to every location that could
// be set up. Locations that fail are logged and skipped.
func (sf *StorageBackendFactory) CreateMultiBackend(locs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locs))
	for _, loc := range locs {
		backend, err := sf.StorageBackendFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create storage backend", "err", err, slog.String("location", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

// ParseLocations parses every uri into a location.
func ParseLocations(uris []string) ([]interfaces.StorageBackendLocation, error) {
	locs := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", uri, err)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", hostname(loc.Host)))

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	}

	return NewS3Backend(S3Config{
		Bucket:    hostname(loc.Host),
		Prefix:    strings.TrimPrefix(loc.Path, "/"),
		Region:    region,
		Endpoint:  loc.GetParam("endpoint"),
		PathStyle: loc.GetParamBool("path_style"),
		AccessKey: accessKey,
		SecretKey: secretKey,
	}, sf.log)
}

// createFileBackend accepts file:///absolute/path and file://./relative/path.
func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}
	sf.log.Debug("Creating file backend", slog.String("path", path))
	return NewFileBackend(path, sf.log)
}

// hostname drops userinfo that url.Parse leaves in Host for some inputs.
func hostname(host string) string {
	if i := strings.LastIndex(host, "@"); i >= 0 {
		return host[i+1:]
	}
	return host
}
