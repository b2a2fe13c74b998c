/*
Package ponyproxy provides a local, child-safe browsing proxy.

A Session listens on a loopback port and serves every page through local
URIs of the form

	http://127.0.0.1:<port>/<scheme>/<authority><path>?<query>

so that the embedding browser surface only ever talks to the proxy. Each
response is fetched upstream (or replayed from the offline cache when the
device has no connectivity), its cookies are rebound to the proxy host and
HTML pages are rewritten according to the DefenseMode of the session:
links are kept inside the proxy, preload scripts are injected, and,
depending on the mode, offending words are removed or embeds and media
are replaced by placeholders.

The session itself is simply a `net/http` handler:

	s, err := ponyproxy.Start(start, ponyproxy.DefaultConfig(), ponyproxy.DefaultOptions())
	if err != nil {
		log.Fatal(err)
	}
	defer s.Stop(context.Background())
	browser.Navigate(s.StartURI())

Hosts observe and steer traffic with HandleSendingRequest,
HandleTextResponse, HandleOfflinePageUnavailable and HandleNavigating.
WhiteListGuard is the navigating handler enforcing WhiteListOnly.

A complete host lives in examples/ponyproxy-host.
*/
package ponyproxy
