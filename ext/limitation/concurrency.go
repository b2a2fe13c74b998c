package limitation

import (
	"github.com/edgegrid/ponyproxy"
)

// ConcurrentRequests limits the number of outbound requests in flight.
// Register the returned handler with Session.HandleSendingRequest. A slot
// is released when the browser request that took it finishes.
func ConcurrentRequests(limit int) func(*ponyproxy.SendingRequestArgs) {
	// Do nothing when the specified limit is invalid
	if limit <= 0 {
		return func(*ponyproxy.SendingRequestArgs) {}
	}

	limitation := make(chan struct{}, limit)
	return func(args *ponyproxy.SendingRequestArgs) {
		ctx := args.Context()
		select {
		case limitation <- struct{}{}:
		case <-ctx.Done():
			return
		}

		// Release semaphore when request finishes
		go func() {
			<-ctx.Done()
			<-limitation
		}()
	}
}
