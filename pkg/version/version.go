package version

// Version is the version of the binaries, set at build time with
// -ldflags "-X github.com/openshift/ingress-node-acl/pkg/version.Version=<version>".
var Version = "devel"
