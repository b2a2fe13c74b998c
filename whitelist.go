package ponyproxy

import (
	"net/url"
	"strings"
)

// WhiteListGuard returns a navigating handler that, in WhiteListOnly mode,
// redirects navigations to authorities missing from the whitelist to the
// blocked page. In other modes the handler does nothing.
func WhiteListGuard(cfg Config) func(*NavigatingArgs) {
	cfg = cfg.clone()
	blocked, _ := url.Parse(BlockedPageURI)

	return func(args *NavigatingArgs) {
		if cfg.Mode != WhiteListOnly || args.RealURI == nil {
			return
		}
		if strings.HasPrefix(args.RealURI.String(), BlockedPageURI) {
			return
		}
		if !cfg.Allows(args.RealURI.Host) {
			target := *blocked
			args.TargetURI = &target
		}
	}
}
