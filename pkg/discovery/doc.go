// Package discovery finds sibling nodes on the network. Sources (mDNS, etcd,
// consul, a seed file) only yield candidate base URLs; every candidate is then
// probed on its /status endpoint, and only nodes that answer with the status
// envelope are reported.
//
// Typical usage:
//
//	sc := discovery.NewScanner(logger, 16, discovery.NewMDNSSource(discovery.DefaultMDNSService, logger))
//	_ = sc.Register(ctx, self)
//	services, err := sc.Discover(ctx, 9981, 2*time.Second)
package discovery
