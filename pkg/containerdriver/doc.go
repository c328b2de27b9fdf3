// Package containerdriver adapts github.com/containerd/containerd to the
// Container Driver contract (C4): create, start, attach, freeze/thaw,
// stop, and destroy, plus live cgroup mutation via
// github.com/containerd/cgroups/v3 for settings the Cgroups gateway needs
// to re-apply after a container has already started.
package containerdriver
