package common

// PackageName is the base name used for tagging logs and reports.
const PackageName = "device-provisioning"

// Version is overridden at build time with -ldflags "-X .../common.Version=..."
var Version = "dev"
